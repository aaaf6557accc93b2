package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/proxy-inventory/internal/types"
)

// dialect captures the few places where SQLite and PostgreSQL differ. Both
// accept the same ON CONFLICT ... DO UPDATE upsert form.
type dialect struct {
	idColumn    string
	timeType    string
	placeholder func(n int) string
}

var (
	sqliteDialect = dialect{
		idColumn:    "id INTEGER PRIMARY KEY AUTOINCREMENT",
		timeType:    "TIMESTAMP",
		placeholder: func(int) string { return "?" },
	}
	postgresDialect = dialect{
		idColumn:    "id BIGSERIAL PRIMARY KEY",
		timeType:    "TIMESTAMPTZ",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

var insertColumns = []string{
	"ip", "port", "protocol", "country", "anonymity", "source",
	"is_active", "check_fail_count", "speed_ms", "last_checked_at", "last_worked_at",
	"created_at", "updated_at",
}

const selectColumns = "id, ip, port, protocol, country, anonymity, source, is_active, check_fail_count, " +
	"speed_ms, last_checked_at, last_worked_at, created_at, updated_at"

// keyPolicies lists the key columns of every supported key policy; each gets
// its own unique index.
var keyPolicies = [][]string{
	{types.FieldIP, types.FieldPort},
	{types.FieldIP, types.FieldPort, types.FieldProtocol},
}

func keyIndexName(keyFields []string) string {
	return "proxies_key_" + strings.Join(keyFields, "_")
}

func (d dialect) schema(keyFields []string) []string {
	current := keyIndexName(keyFields)
	var drops []string
	for _, policy := range keyPolicies {
		if name := keyIndexName(policy); name != current {
			drops = append(drops, "DROP INDEX IF EXISTS "+name)
		}
	}

	return append(drops, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS proxies (
	%s,
	ip TEXT NOT NULL,
	port INTEGER NOT NULL,
	protocol TEXT NOT NULL DEFAULT '',
	country TEXT,
	anonymity TEXT,
	source TEXT,
	is_active BOOLEAN NOT NULL DEFAULT FALSE,
	check_fail_count INTEGER NOT NULL DEFAULT 0,
	speed_ms BIGINT,
	last_checked_at %[2]s,
	last_worked_at %[2]s,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL
)`, d.idColumn, d.timeType),
		// Only the active policy's key index may exist. Switching to a
		// looser policy fails here if stored rows collide on the new key.
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON proxies (%s)",
			current, strings.Join(keyFields, ", ")),
		"CREATE INDEX IF NOT EXISTS proxies_check_fail_count ON proxies (check_fail_count)",
		"CREATE INDEX IF NOT EXISTS proxies_is_active ON proxies (is_active)",
	}...)
}

func (d dialect) upsertSQL(keyFields, fields []string) string {
	placeholders := make([]string, len(insertColumns))
	for i := range insertColumns {
		placeholders[i] = d.placeholder(i + 1)
	}

	isKey := make(map[string]bool, len(keyFields))
	for _, k := range keyFields {
		isKey[k] = true
	}

	sets := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		if isKey[f] {
			continue
		}
		switch {
		case f == types.FieldProtocol:
			sets = append(sets, "protocol = COALESCE(NULLIF(excluded.protocol, ''), proxies.protocol)")
		case coalesced[f]:
			sets = append(sets, fmt.Sprintf("%[1]s = COALESCE(excluded.%[1]s, proxies.%[1]s)", f))
		default:
			sets = append(sets, fmt.Sprintf("%[1]s = excluded.%[1]s", f))
		}
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	return fmt.Sprintf("INSERT INTO proxies (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(insertColumns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(keyFields, ", "),
		strings.Join(sets, ", "))
}

func upsertArgs(row *types.CheckedCandidate, now time.Time) []any {
	protocol := ""
	if row.Protocol != nil {
		protocol = string(*row.Protocol)
	}
	var anonymity *string
	if row.Anonymity != nil {
		anonymity = types.Ptr(string(*row.Anonymity))
	}

	return []any{
		row.IP,
		int64(row.Port),
		protocol,
		nullString(row.Country),
		nullString(anonymity),
		nullString(row.Source),
		row.IsActive,
		int64(row.CheckFailCount),
		nullInt64(row.SpeedMs),
		nullTime(&row.LastCheckedAt),
		nullTime(row.LastWorkedAt),
		now,
		now,
	}
}

func (d dialect) querySQL(filter Filter) (string, []any) {
	var b strings.Builder
	var args []any

	b.WriteString("SELECT " + selectColumns + " FROM proxies")
	if filter.Active != nil {
		args = append(args, *filter.Active)
		b.WriteString(" WHERE is_active = " + d.placeholder(len(args)))
	}
	b.WriteString(" ORDER BY id")
	if filter.Limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
	}
	return b.String(), args
}

func (d dialect) deleteSQL(pred Predicate) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, d.placeholder(len(args))))
	}

	if pred.MinFailCount > 0 {
		add("check_fail_count >= %s", int64(pred.MinFailCount))
	}
	if !pred.CreatedBefore.IsZero() {
		add("created_at < %s", pred.CreatedBefore.UTC())
	}
	if pred.InactiveOnly {
		add("is_active = %s", false)
	}
	if !pred.WorkedBefore.IsZero() {
		add("(last_worked_at IS NULL OR last_worked_at < %s)", pred.WorkedBefore.UTC())
	}

	return "DELETE FROM proxies WHERE " + strings.Join(conds, " AND "), args
}

// rowScanner is satisfied by *sql.Rows and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProxy(r rowScanner) (types.StoredProxy, error) {
	var (
		p                       types.StoredProxy
		port, failCount         int64
		protocol                string
		country, anon, source   sql.NullString
		speed                   sql.NullInt64
		lastChecked, lastWorked sql.NullTime
	)

	err := r.Scan(&p.ID, &p.IP, &port, &protocol, &country, &anon, &source, &p.IsActive, &failCount,
		&speed, &lastChecked, &lastWorked, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}

	p.Port = uint16(port)
	p.CheckFailCount = uint(failCount)
	if proto, ok := types.ParseProtocol(protocol); ok {
		p.Protocol = &proto
	}
	if country.Valid {
		p.Country = types.Ptr(country.String)
	}
	if anon.Valid {
		if a, ok := types.ParseAnonymity(anon.String); ok {
			p.Anonymity = &a
		}
	}
	if source.Valid {
		p.Source = types.Ptr(source.String)
	}
	if speed.Valid {
		p.SpeedMs = types.Ptr(speed.Int64)
	}
	if lastChecked.Valid {
		p.LastCheckedAt = lastChecked.Time.UTC()
	}
	if lastWorked.Valid {
		p.LastWorkedAt = types.Ptr(lastWorked.Time.UTC())
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
