// Package model defines the persisted entities of the rotation engine:
// credentials, their rotation attempts, and audit records.
//
// Entities reference each other by id only. Shared bookkeeping columns are
// composed from the embedded AuditFields, VersionFields and SoftDelete
// structs.
package model
