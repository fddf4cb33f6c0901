package reconcile

func record(path string, typ ItemType, size, mtime int64, etag string) *ItemRecord {
	return &ItemRecord{
		Path:           path,
		Type:           typ,
		Size:           size,
		ModTime:        mtime,
		RemoteIdentity: etag,
	}
}

func remoteFile(path string, size, mtime int64, etag string) *RemoteEntry {
	return &RemoteEntry{Path: path, Size: size, ModTime: mtime, Identity: etag}
}

func remoteDir(path, etag string) *RemoteEntry {
	return &RemoteEntry{Path: path, IsDir: true, Identity: etag}
}

func localFile(path string, size, mtime int64, fingerprint string) *LocalEntry {
	return &LocalEntry{Path: path, Size: size, ModTime: mtime, Fingerprint: fingerprint}
}

func localDir(path string) *LocalEntry {
	return &LocalEntry{Path: path, IsDir: true}
}

func markerFor(path string) *LocalEntry {
	return &LocalEntry{Path: path + DefaultPlaceholderSuffix, Size: 1, ModTime: 1, IsPlaceholderMarker: true}
}

func withChecksum(r *RemoteEntry, sum string) *RemoteEntry {
	r.Checksum = sum
	return r
}

func withFingerprint(r *ItemRecord, fp string) *ItemRecord {
	r.Fingerprint = fp
	return r
}

// entries flattens local views into the provider's form.
func entries(items ...*LocalEntry) []LocalEntry {
	out := make([]LocalEntry, 0, len(items))
	for _, it := range items {
		e := *it
		e.IsPlaceholderMarker = false
		out = append(out, e)
	}

	return out
}

func remotes(items ...*RemoteEntry) []RemoteEntry {
	out := make([]RemoteEntry, 0, len(items))
	for _, it := range items {
		out = append(out, *it)
	}

	return out
}

func records(items ...*ItemRecord) []ItemRecord {
	out := make([]ItemRecord, 0, len(items))
	for _, it := range items {
		out = append(out, *it)
	}

	return out
}

func findInstruction(plan *Plan, path string) (Instruction, bool) {
	for _, ins := range plan.All() {
		if ins.Path == path {
			return ins, true
		}
	}

	return Instruction{}, false
}
