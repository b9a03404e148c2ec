package host

// Ring is a snapshot of the host's ring buffer of cooperatively suspended stacks.
// Live entries are the positions Front, Front+1, ... up to (but excluding) Back,
// modulo the buffer capacity. Each entry is the innermost context of a suspended stack.
type Ring struct {
	Entries []Context
	Front   uint32
	Back    uint32
}

// Len returns the number of suspended stacks
func (r Ring) Len() int {
	capacity := uint32(len(r.Entries))
	if capacity == 0 {
		return 0
	}
	return int((r.Back + capacity - r.Front) % capacity)
}

// At returns the i-th suspended stack counting from the front
func (r Ring) At(i int) (Context, bool) {
	if i < 0 || i >= r.Len() {
		return NullContext, false
	}
	capacity := uint32(len(r.Entries))
	return r.Entries[(r.Front+uint32(i))%capacity], true
}

// Each calls fn for every suspended stack in front-to-back order until fn returns false
func (r Ring) Each(fn func(i int, top Context) bool) {
	for i := 0; i < r.Len(); i++ {
		top, _ := r.At(i)
		if !fn(i, top) {
			return
		}
	}
}
