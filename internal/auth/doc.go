// Package auth issues and verifies the bearer tokens that guard the HTTP API.
//
// Tokens are HS256 JWTs signed with security.jwt.secret. There is no user
// store: operators mint tokens with `venusbridge token` and hand them to
// dashboards or home-automation hosts. Verification needs no database.
//
// Two roles exist:
//   - viewer: read devices, snapshots, history and audit, request refreshes
//   - operator: everything a viewer can do, plus mode, schedule, passive,
//     raw calls and discovery scans
package auth
