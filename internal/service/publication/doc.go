// Package publication implements publish-log lifecycle management.
//
// The service layer owns the operations that mutate publication records
// outside the worker loops: admin cancellation, webhook evidence merging,
// and read access for the API. It depends on the repository interface
// defined in this package and should never import from api/.
//
// Repository implementations live in repository/postgres/.
package publication
