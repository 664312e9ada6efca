package attributes

import "github.com/mohae/deepcopy"

// deepMerge merges src into dst and returns the result. Mappings merge key by
// key; any other combination lets src replace dst. Neither input is modified.
func deepMerge(dst, src interface{}) interface{} {
	srcMap, srcIsMap := src.(map[string]interface{})
	dstMap, dstIsMap := dst.(map[string]interface{})
	if !srcIsMap || !dstIsMap {
		return deepcopy.Copy(src)
	}

	out := make(map[string]interface{}, len(dstMap)+len(srcMap))
	for k, v := range dstMap {
		out[k] = v
	}
	for k, v := range srcMap {
		if existing, ok := out[k]; ok {
			out[k] = deepMerge(existing, v)
			continue
		}
		out[k] = deepcopy.Copy(v)
	}
	return out
}

// lookup walks tree along path.
func lookup(tree map[string]interface{}, path Path) (interface{}, bool) {
	var cur interface{} = tree
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// assign stores v at path inside tree, creating intermediate mappings and
// replacing any non-mapping value that sits on the way.
func assign(tree map[string]interface{}, path Path, v interface{}) {
	cur := tree
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[key] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
}

// effective resolves path across level trees, lowest level first. A level
// holding a non-mapping value above path hides whatever lower levels hold
// beneath it, as it does in the merged tree.
func effective(levels *[levelCount]map[string]interface{}, path Path) (interface{}, bool) {
	var (
		result interface{}
		found  bool
	)
	for i := 0; i < levelCount; i++ {
		v, ok, shadowed := descend(levels[i], path)
		if shadowed {
			result, found = nil, false
			continue
		}
		if !ok {
			continue
		}
		if !found {
			result = deepcopy.Copy(v)
			found = true
			continue
		}
		result = deepMerge(result, v)
	}
	return result, found
}

// descend is lookup that also reports whether a non-mapping value sits on a
// proper prefix of path.
func descend(tree map[string]interface{}, path Path) (v interface{}, ok, shadowed bool) {
	var cur interface{} = tree
	for _, key := range path {
		m, isMap := cur.(map[string]interface{})
		if !isMap {
			return nil, false, true
		}
		cur, ok = m[key]
		if !ok {
			return nil, false, false
		}
	}
	return cur, true, false
}
