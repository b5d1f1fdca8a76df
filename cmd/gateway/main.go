// Command gateway is an OpenAI-compatible proxy in front of EmbedAPI that
// prices every completion and keeps a local usage ledger for
// platform-billed callers.
//
// Usage:
//
//	# Start the HTTP gateway
//	gateway serve
//
//	# Show usage for the last 7 days
//	gateway usage --period week
//
//	# List recorded events
//	gateway usage events --period day
//
//	# Erase the usage history
//	gateway usage clear --yes
package main

func main() {
	Execute()
}
