// Command cardwire connects to a card table, probes its latency, or runs a
// local mock table for development.
package main

func main() {
	Execute()
}
