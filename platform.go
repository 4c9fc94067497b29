package gpurv

// Supported returns true if the platform can host a session: the arena
// allocator must hand out a page-aligned region of at least one page.
func Supported() (bool, error) {
	buf, mmapped, err := allocArena(pageSize())
	if err != nil {
		return false, err
	}
	defer freeArena(buf, mmapped)
	return len(buf) == pageSize(), nil
}
