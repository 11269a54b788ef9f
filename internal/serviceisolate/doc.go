// Package serviceisolate coordinates the lifecycle of the service isolate: the
// single privileged isolate that hosts the introspection service.
//
// A Coordinator owns every piece of shared state. Run starts the isolate
// through a Spawner, the isolate's own startup code publishes its ports
// through the Admin view it was handed, and Shutdown asks it to exit,
// escalating to forced termination after a timeout. Queries read an
// atomically published Snapshot and never block; WaitForLoadPort is the only
// blocking operation.
package serviceisolate
