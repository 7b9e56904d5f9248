// Package hostfunc defines what crosses the boundary between a host pipeline
// and a sandboxed guest script.
//
// # Values
//
// [Value] is a closed sum type: owned bytes, borrowed bytes, 32 and 64 bit
// integers, doubles, booleans and absent. Ownership is explicit per variant:
// an owned [Bytes] value is copied by the receiver and then released with
// [Value.Release]; a [BytesRef] value is borrowed and must never be released.
//
// # Host collaborators
//
// A plugin that owns a sandbox implements [Host]. The sandbox calls it from
// inside guest code to read configuration, read fields of the current message
// and inject new messages:
//
//	func (p *myPlugin) ReadConfig(name string) hostfunc.Value {
//	    if v, ok := p.cfg[name].(string); ok {
//	        return hostfunc.String(v)
//	    }
//	    return hostfunc.Absent()
//	}
//
// # Registry
//
// Additional guest-callable functions can be registered on a [Registry]:
//
//	registry := hostfunc.NewRegistry()
//	if err := hostfunc.NewKV(hostfunc.DefaultKVConfig()).Register(registry); err != nil {
//	    return err
//	}
//
// Names must be Lua identifiers and may not shadow a bridge callback, an
// entry point or a global of the restricted environment.
//
// Sandboxed code has no implicit access to system resources; everything it
// can reach is listed here.
package hostfunc
