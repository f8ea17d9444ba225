//go:build linux

package runlock

// socketAddress uses the abstract socket namespace, which leaves nothing on
// disk.
func socketAddress(name string) string {
	return "@::script_lock::" + name
}
