// Package sandbox runs untrusted Lua scripts on behalf of a host plugin.
//
// A Sandbox owns one restricted gopher-lua state. The host drives it through
// two entry points, process_message and timer_event, and the guest talks back
// through read_config, read_message, inject_message and output. Every guest
// fault terminates the sandbox and is reported once as a *TerminationError
// whose text is also kept in a bounded error record:
//
//	sb, err := sandbox.New(cfg, host)
//	if err != nil {
//		return err
//	}
//	if err := sb.Init(ctx, stateFile); err != nil {
//		return err
//	}
//	defer sb.Destroy(stateFile)
//
//	status, err := sb.ProcessMessage(ctx)
//
// Global data is written to stateFile on Destroy and read back on the next
// Init, so counters and circular buffers survive restarts.
package sandbox
