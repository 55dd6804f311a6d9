// Package rkstate maintains and verifies the audit state of a cluster of cash
// registers that emit chained, signed receipts.
//
// Used Receipt ID Backends
//
// A cluster shares one index of used receipt IDs. The backend is chosen when
// the cluster is created and is recorded in every snapshot:
//
// 1. memory - DEFAULT
//   - Exact in-process set, stored inline in the snapshot
//   - No extra files
//   - Best for: small clusters, snapshots that must be self contained
//
// 2. sqlite
//   - One table in a SQLite database (WAL mode)
//   - Staged adds are committed in a single transaction
//   - Best for: large clusters shared by several operators
//
// 3. leveldb
//   - One key per ID in a LevelDB directory
//   - Staged adds are written as one synced batch
//   - Best for: very large clusters on a single host
//
// 4. file
//   - Append-only file of length prefixed IDs
//   - Exclusive flock from open to close
//   - Best for: auditable plain storage without a database
//
// Usage Examples:
//
// === Create a cluster and ingest an export ===
//
//   ids, _ := rkstate.OpenUsedReceiptIDs(rkstate.BackendMemory, "")
//   cluster := rkstate.NewClusterState(ids)
//   idx := cluster.AddCashRegister()
//
//   f, _ := os.Open("export.json")
//   parser := rkstate.NewExportParser(f, rkstate.DefaultChunkSize)
//   stats, err := cluster.Ingest(ctx, idx, parser, key, rkstate.IngestOptions{})
//
//   cluster.SaveFile("state.json")
//
// === Reload a snapshot ===
//
//   cluster, err := rkstate.LoadFile("state.json", "")
//   defer cluster.Close()
//
// Snapshot Format:
//
//   {
//     "cashRegisters": [
//       {
//         "startReceiptJWS": "eyJhbGciOiJFUzI1NiJ9...",
//         "lastReceiptJWS": "eyJhbGciOiJFUzI1NiJ9...",
//         "lastTurnoverCounter": 12345,
//         "chainNextTo": "bW9YZGVyOA==",
//         "needRestoreReceipt": false
//       }
//     ],
//     "usedReceiptIds": {
//       "backendType": "memory",
//       "data": ["1", "2"]
//     }
//   }
//
// Verification Order (per receipt):
//
//   decode -> duplicate ID check -> chaining value -> signature
//          -> turnover counter -> apply -> add ID to the index
//
// A register moves to the broken state on a chain break, an invalid
// signature or an inconsistent counter and stays there until it is reset or
// seeded from an arbitrary receipt.
package rkstate
