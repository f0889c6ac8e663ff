// Package registry is the service directory of the mesh: a durable mapping
// from service name to endpoint URL and health state.
//
// Persistence goes through the Store interface, whose Update method performs
// an atomic read-modify-write of a single name. Three stores are provided:
//
//   - SQLiteStore: the default. Immediate transactions take the database
//     write lock, so independent processes sharing the file serialise their
//     updates instead of overwriting each other.
//   - EtcdStore: one key per service, updated with a compare-and-swap on the
//     key's mod revision.
//   - MemoryStore: a mutex-guarded map for tests and single-process setups.
//
// Registry layers the directory operations (Register, Unregister, Discover,
// ListServices, UpdateHealth, ReleaseOwned) on top of a Store.
package registry
