package reconcile

import (
	"fmt"
	"strings"
)

// Synthesizer turns classified paths into instructions. It never writes
// the journal: the record each instruction carries is committed by the
// caller after the executor succeeds.
type Synthesizer struct {
	Policy PlaceholderPolicy
}

// NewSynthesizer returns a synthesizer using the given placeholder policy.
func NewSynthesizer(policy PlaceholderPolicy) *Synthesizer {
	return &Synthesizer{Policy: policy}
}

// Synthesize maps one comparison to exactly one instruction.
func (s *Synthesizer) Synthesize(c Comparison) Instruction {
	ins := Instruction{
		Kind:   InstructionNone,
		Path:   c.Path,
		Local:  c.Local,
		Remote: c.Remote,
		Base:   c.Record,
		Record: c.Record,
		Class:  c.Class,
	}

	switch c.Class {
	case Unchanged:
		s.unchanged(c, &ins)
	case RemoteNew:
		s.remoteNew(c, &ins)
	case LocalNew:
		s.localNew(c, &ins)
	case RemoteChanged:
		s.remoteChanged(c, &ins)
	case LocalChanged:
		s.localChanged(c, &ins)
	case BothChanged:
		s.bothChanged(c, &ins)
	case LocalRemoved:
		s.localRemoved(c, &ins)
	case RemoteRemoved:
		s.remoteRemoved(c, &ins)
	case BothRemoved:
		// Nothing left on either side: purge the record, no I/O.
		ins.Kind = InstructionRemove
		ins.Target = SideNone
		ins.Record = nil
	}

	return ins
}

func (s *Synthesizer) unchanged(c Comparison, ins *Instruction) {
	if c.Record == nil || c.Record.Type != ItemTypePlaceholderMarkedForDownload {
		return
	}

	download(ins, c.Remote)
}

func (s *Synthesizer) remoteNew(c Comparison, ins *Instruction) {
	if c.Remote.IsDir {
		ins.Kind = InstructionNew
		ins.Target = SideLocal
		ins.Record = remoteRecord(c.Path, c.Remote, ItemTypeDirectory)

		return
	}

	if s.Policy.MaterializeNew(c.Path) == MaterializePlaceholder {
		placeholder(ins, c.Remote)
		return
	}

	download(ins, c.Remote)
}

func (s *Synthesizer) localNew(c Comparison, ins *Instruction) {
	if c.Local.Real == nil {
		return
	}

	upload(ins, c.Local.Real)
}

func (s *Synthesizer) remoteChanged(c Comparison, ins *Instruction) {
	rec := c.Record

	if c.Remote.IsDir != (rec.Type == ItemTypeDirectory) {
		conflict(ins, c.Remote, MaterializeDownload)
		return
	}

	switch rec.Type {
	case ItemTypePlaceholder:
		// Metadata only: the content stays on the server.
		ins.Kind = InstructionUpdateMetadata
		ins.Record = remoteRecord(c.Path, c.Remote, ItemTypePlaceholder)
	case ItemTypePlaceholderMarkedForDownload:
		download(ins, c.Remote)
	case ItemTypeDirectory:
		ins.Kind = InstructionUpdateMetadata
		ins.Record = remoteRecord(c.Path, c.Remote, ItemTypeDirectory)
	default:
		if SameContent(rec.Fingerprint, c.Remote.Checksum) {
			ins.Kind = InstructionUpdateMetadata
			updated := *rec
			updated.RemoteIdentity = c.Remote.Identity
			ins.Record = &updated

			return
		}

		download(ins, c.Remote)
	}
}

func (s *Synthesizer) localChanged(c Comparison, ins *Instruction) {
	rec := c.Record
	content := c.Local.Real

	if content.IsDir != c.Remote.IsDir {
		conflict(ins, c.Remote, MaterializeDownload)
		return
	}

	switch rec.Type {
	case ItemTypePlaceholder:
		// Real content supersedes the placeholder.
		if identicalToRemote(content, c.Remote, rec) {
			adoptLocal(ins, content, c.Remote)
			return
		}

		upload(ins, content)
	case ItemTypePlaceholderMarkedForDownload:
		if identicalToRemote(content, c.Remote, rec) {
			adoptLocal(ins, content, c.Remote)
			return
		}

		// The user asked for the server copy and supplied different bytes.
		conflict(ins, c.Remote, MaterializeDownload)
	default:
		if content.Fingerprint != "" && content.Fingerprint == rec.Fingerprint {
			adoptLocal(ins, content, c.Remote)
			return
		}

		upload(ins, content)
	}
}

func (s *Synthesizer) bothChanged(c Comparison, ins *Instruction) {
	content := c.Local.Real

	if content.IsDir && c.Remote.IsDir {
		ins.Kind = InstructionUpdateMetadata
		ins.Record = remoteRecord(c.Path, c.Remote, ItemTypeDirectory)
		ins.Record.ModTime = content.ModTime

		return
	}

	if !content.IsDir && !c.Remote.IsDir && identicalToRemote(content, c.Remote, nil) {
		adoptLocal(ins, content, c.Remote)
		return
	}

	conflict(ins, c.Remote, MaterializeDownload)
}

func (s *Synthesizer) localRemoved(c Comparison, ins *Instruction) {
	rec := c.Record

	switch rec.Type {
	case ItemTypePlaceholder:
		if c.RemoteChanged {
			// Marker deleted while the server moved on: the server version
			// wins and stays virtual.
			conflict(ins, c.Remote, MaterializePlaceholder)
			return
		}

		// Only the marker was deleted. Regenerate it.
		ins.Kind = InstructionNew
		ins.Target = SideLocal
		ins.Materialize = MaterializePlaceholder
		regenerated := *rec
		ins.Record = &regenerated
	case ItemTypePlaceholderMarkedForDownload:
		download(ins, c.Remote)
	default:
		if c.RemoteChanged {
			if c.Remote.IsDir {
				ins.Kind = InstructionNew
				ins.Target = SideLocal
				ins.Record = remoteRecord(c.Path, c.Remote, ItemTypeDirectory)

				return
			}

			download(ins, c.Remote)

			return
		}

		ins.Kind = InstructionRemove
		ins.Target = SideRemote
		ins.Record = nil
	}
}

func (s *Synthesizer) remoteRemoved(c Comparison, ins *Instruction) {
	rec := c.Record
	content := c.Local.Real

	switch rec.Type {
	case ItemTypePlaceholder, ItemTypePlaceholderMarkedForDownload:
		if content != nil {
			upload(ins, content)
			return
		}

		// Marker only: purge it and never resurrect the item.
		ins.Kind = InstructionRemove
		ins.Target = SideLocal
		ins.Record = nil
	case ItemTypeDirectory:
		if !content.IsDir {
			upload(ins, content)
			return
		}

		ins.Kind = InstructionRemove
		ins.Target = SideLocal
		ins.Record = nil
	default:
		if c.LocalChanged {
			// Local edits win over a remote delete.
			upload(ins, content)
			return
		}

		ins.Kind = InstructionRemove
		ins.Target = SideLocal
		ins.Record = nil
	}
}

// SynthesizeRename decides a rename pair as a unit. A marked-for-download
// source is not moved: its marker is removed and the new path downloaded.
func (s *Synthesizer) SynthesizeRename(p RenamePair) ([]Instruction, error) {
	from, to := p.From, p.To

	if from.Record == nil {
		return nil, &InputError{Path: from.Path, Reason: "rename source has no journal record"}
	}

	if err := renameCompatible(p); err != nil {
		return nil, err
	}

	base := from.Record

	if p.Origin == SideRemote && base.Type == ItemTypePlaceholderMarkedForDownload {
		remove := Instruction{
			Kind:   InstructionRemove,
			Path:   from.Path,
			Target: SideLocal,
			Local:  from.Local,
			Base:   base,
			Class:  from.Class,
		}

		fetch := Instruction{
			Path:   to.Path,
			Local:  to.Local,
			Remote: to.Remote,
			Class:  to.Class,
		}
		download(&fetch, to.Remote)

		return []Instruction{remove, fetch}, nil
	}

	rec := *base
	rec.Path = to.Path

	target := SideLocal
	if p.Origin == SideLocal {
		target = SideRemote
		rec.ModTime = to.Local.Real.ModTime
	} else {
		rec.RemoteIdentity = to.Remote.Identity
		if base.Type.IsPlaceholder() {
			rec.ModTime = to.Remote.ModTime
		}
	}

	if p.Nested {
		target = SideNone
	}

	return []Instruction{{
		Kind:   InstructionRename,
		Path:   to.Path,
		From:   from.Path,
		Target: target,
		Local:  from.Local,
		Remote: to.Remote,
		Base:   base,
		Record: &rec,
		Class:  from.Class,
	}}, nil
}

// renameCompatible rejects pairs whose two ends are not the same kind of
// item. Such a pair can only come from a broken snapshot.
func renameCompatible(p RenamePair) error {
	fromDir := p.From.Record.Type == ItemTypeDirectory

	var toDir bool

	switch p.Origin {
	case SideRemote:
		if p.To.Remote == nil {
			return &InputError{Path: p.To.Path, Reason: "remote rename target missing on server"}
		}

		toDir = p.To.Remote.IsDir
	case SideLocal:
		if p.To.Local.Real == nil {
			return &InputError{Path: p.To.Path, Reason: "local rename target missing on disk"}
		}

		toDir = p.To.Local.Real.IsDir
	default:
		return &InputError{Path: p.From.Path, Reason: "rename without origin"}
	}

	if fromDir != toDir {
		return &InputError{
			Path:   p.From.Path,
			Reason: fmt.Sprintf("rename to %s changes item kind", p.To.Path),
		}
	}

	if p.Origin == SideLocal && p.From.Record.Type.IsPlaceholder() {
		return &InputError{Path: p.From.Path, Reason: "placeholder cannot be renamed locally"}
	}

	return nil
}

// identicalToRemote reports whether the local bytes are proven equal to
// the server's, either directly by checksum or through the record's
// fingerprint when the server did not move.
func identicalToRemote(content *LocalEntry, remote *RemoteEntry, rec *ItemRecord) bool {
	if content.Fingerprint == "" || remote == nil {
		return false
	}

	if SameContent(content.Fingerprint, remote.Checksum) {
		return true
	}

	return rec != nil && rec.Fingerprint != "" && rec.Fingerprint == content.Fingerprint &&
		rec.RemoteIdentity == remote.Identity
}

func remoteRecord(path string, remote *RemoteEntry, typ ItemType) *ItemRecord {
	rec := &ItemRecord{
		Path:           path,
		Type:           typ,
		Size:           remote.Size,
		ModTime:        remote.ModTime,
		RemoteIdentity: remote.Identity,
	}

	if typ != ItemTypeDirectory {
		rec.Fingerprint = remote.Checksum
	}

	return rec
}

func download(ins *Instruction, remote *RemoteEntry) {
	ins.Kind = InstructionNew
	ins.Target = SideLocal
	ins.Materialize = MaterializeDownload
	ins.Record = remoteRecord(ins.Path, remote, ItemTypeRegularFile)
}

func placeholder(ins *Instruction, remote *RemoteEntry) {
	ins.Kind = InstructionNew
	ins.Target = SideLocal
	ins.Materialize = MaterializePlaceholder
	ins.Record = remoteRecord(ins.Path, remote, ItemTypePlaceholder)
}

// upload sends local content to the server. The executor fills in the
// identity the server assigns.
func upload(ins *Instruction, content *LocalEntry) {
	ins.Kind = InstructionNew
	ins.Target = SideRemote
	ins.Materialize = MaterializeNone

	typ := ItemTypeRegularFile
	if content.IsDir {
		typ = ItemTypeDirectory
	}

	ins.Record = &ItemRecord{
		Path:        ins.Path,
		Type:        typ,
		Size:        content.Size,
		ModTime:     content.ModTime,
		Fingerprint: content.Fingerprint,
	}

	if content.IsDir {
		ins.Record.Size = 0
		ins.Record.Fingerprint = ""
	}
}

// adoptLocal records local content that is already identical to the
// server's as a regular file. Only stale markers are touched on disk.
func adoptLocal(ins *Instruction, content *LocalEntry, remote *RemoteEntry) {
	ins.Kind = InstructionUpdateMetadata
	ins.Target = SideNone
	ins.Record = &ItemRecord{
		Path:           ins.Path,
		Type:           ItemTypeRegularFile,
		Size:           content.Size,
		ModTime:        content.ModTime,
		RemoteIdentity: remote.Identity,
		Fingerprint:    content.Fingerprint,
	}
}

// conflict keeps whatever local content exists as a conflict copy and
// materializes the server version at the path.
func conflict(ins *Instruction, remote *RemoteEntry, m Materialization) {
	ins.Kind = InstructionConflict
	ins.Target = SideLocal

	switch {
	case remote.IsDir:
		ins.Materialize = MaterializeNone
		ins.Record = remoteRecord(ins.Path, remote, ItemTypeDirectory)
	case m == MaterializePlaceholder:
		ins.Materialize = MaterializePlaceholder
		ins.Record = remoteRecord(ins.Path, remote, ItemTypePlaceholder)
	default:
		ins.Materialize = MaterializeDownload
		ins.Record = remoteRecord(ins.Path, remote, ItemTypeRegularFile)
	}
}

// Depth counts the path segments. The root has depth zero.
func Depth(path string) int {
	if path == "" {
		return 0
	}

	return strings.Count(path, "/") + 1
}
