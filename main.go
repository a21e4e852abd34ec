package main

import (
	"fmt"
)

func main() {
	fmt.Println("warehouse-tracker sync engine")
	fmt.Println("=============================")
	fmt.Println()
	fmt.Println("Offline-first inventory sync for warehouse devices: a durable SQLite")
	fmt.Println("queue on the client, an idempotent submission server on Postgres, and")
	fmt.Println("a sync manager that drains the queue exactly once when connectivity")
	fmt.Println("returns.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  syncqueue/   Client-side engine: durable queue, connectivity monitor,")
	fmt.Println("               retry/backoff, item cache, and the sync manager")
	fmt.Println("  syncserver/  Server-side submission API: exactly-once apply via")
	fmt.Println("               idempotency keys, version-guarded catalog mutations")
	fmt.Println()

	fmt.Println("Binaries and examples:")
	fmt.Println()
	fmt.Println("  cmd/trackerd          The submission server")
	fmt.Println("                        Run: go run ./cmd/trackerd serve --database-url=... --jwt-secret=...")
	fmt.Println()
	fmt.Println("  examples/device_sim   A simulated warehouse device that queues stock")
	fmt.Println("                        movements offline and drains them against trackerd")
	fmt.Println("                        Run: go run ./examples/device_sim")
	fmt.Println()
}
