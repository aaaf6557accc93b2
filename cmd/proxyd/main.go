// Package main is the proxyd command. It keeps an inventory of public proxies:
// crawl jobs discover candidates, every candidate is probed through an
// inspection endpoint, and results are merged into a durable store that is
// periodically rechecked and cleaned.
//
// Usage:
//
//	proxyd serve --config config.json
//	proxyd crawl|recheck|cleanup --config config.json
package main

func main() {
	Execute()
}
