// Package stores records convergence runs in SQLite: each run with its
// summary, every resource result, every notification event, and the last
// known outcome per resource. Recorder plugs the store into the engine as an
// observer.
package stores
