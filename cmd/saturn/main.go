// Saturn is a self-hosted gateway core for model APIs.
//
// It admits or denies calls against per-key and per-user cost budgets
// and concurrency ceilings, routes admitted calls across weighted
// provider endpoints with circuit breaking, and keeps a durable
// request ledger that doubles as the availability record.
//
// Usage:
//
//	# Start the gateway with default configuration
//	saturn run --config /etc/saturn/config.yaml
//
//	# Validate a configuration file without starting
//	saturn validate --config /etc/saturn/config.yaml
//
//	# Inspect spend for one API key
//	saturn usage key team-alpha
//
//	# List circuit breakers, reset one
//	saturn breakers
//	saturn breakers reset vendor-a chat
//
//	# Export the request ledger
//	saturn ledger export --format csv --output records.csv
//
// For complete documentation, see: https://github.com/stratus-hq/saturn
package main

func main() {
	Execute()
}
