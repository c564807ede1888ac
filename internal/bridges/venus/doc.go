// Package venus coordinates Marstek Venus E devices and exposes them over
// MQTT.
//
// Each configured device gets a Coordinator. It refreshes the status
// endpoint on a fixed interval (300 s by default), serves on-demand
// refreshes of any read endpoint and runs mutating commands, each followed
// by a status refresh. Every change publishes a new immutable Snapshot;
// readers call Coordinator.Snapshot and never see a partial update.
//
// A failed periodic refresh keeps the previous data, marks the snapshot
// stale and delivers an update-failed signal to listeners. On-demand and
// mutating failures are returned to the caller instead.
//
// # Schedules
//
// The device stores ten schedule slots and cannot report them back.
// ClearAllSchedules disables each slot with its own call and reports the
// outcome as a BulkResult:
//
//	{"succeeded": 9, "total": 10, "failed_slots": [3]}
//
// # MQTT Topics
//
//	{prefix}/state/{device_id}/{endpoint}  retained snapshot slices
//	{prefix}/event/{device_id}             update-failed events
//	{prefix}/command/{device_id}           commands in
//	{prefix}/ack/{device_id}               command acknowledgments
//	{prefix}/request/{request_id}          requests in
//	{prefix}/response/{request_id}         request responses
//	{prefix}/health                        retained bridge health (LWT)
//	{prefix}/discovery                     discovery results
//
// The Manager holds every coordinator plus an optional discovery Scanner.
// The Bridge subscribes to commands and requests, republishes coordinator
// updates and reports health.
package venus
