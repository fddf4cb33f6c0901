package reconcile

import "fmt"

// InstructionKind is the closed set of actions a pass can take on a path.
type InstructionKind int

const (
	// InstructionNone means the path is in sync. Nothing is executed and
	// the journal is not touched.
	InstructionNone InstructionKind = iota

	// InstructionNew creates or replaces the item on the target side:
	// upload, download, mkdir or marker write.
	InstructionNew

	// InstructionUpdateMetadata refreshes the journal record without
	// transferring content.
	InstructionUpdateMetadata

	// InstructionRename moves From to Path on the target side.
	InstructionRename

	// InstructionRemove deletes the item on the target side. With
	// SideNone it only purges the journal record.
	InstructionRemove

	// InstructionConflict keeps the local content as a conflict copy and
	// materializes the remote version at the path.
	InstructionConflict
)

var instructionNames = [...]string{
	InstructionNone:           "none",
	InstructionNew:            "new",
	InstructionUpdateMetadata: "update_metadata",
	InstructionRename:         "rename",
	InstructionRemove:         "remove",
	InstructionConflict:       "conflict",
}

func (k InstructionKind) String() string {
	if k >= 0 && int(k) < len(instructionNames) {
		return instructionNames[k]
	}

	return fmt.Sprintf("InstructionKind(%d)", int(k))
}

// Side names where an instruction's I/O happens.
type Side int

const (
	// SideNone means no I/O: journal only.
	SideNone Side = iota
	// SideLocal targets the local filesystem.
	SideLocal
	// SideRemote targets the server.
	SideRemote
)

func (s Side) String() string {
	switch s {
	case SideNone:
		return "none"
	case SideLocal:
		return "local"
	case SideRemote:
		return "remote"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

// Instruction is one decided action plus the record to commit once the
// executor reports success.
type Instruction struct {
	Kind   InstructionKind
	Path   string
	From   string
	Target Side

	// Materialize applies to instructions that bring remote content to
	// the local side.
	Materialize Materialization

	// Local, Remote and Base are the inputs the decision was made from.
	// For a rename, Local describes the source path.
	Local  LocalView
	Remote *RemoteEntry
	Base   *ItemRecord

	// Record is committed after a successful apply. Nil purges the
	// journal entry.
	Record *ItemRecord

	// Class is kept for logging.
	Class Classification
}

// IsDirectory reports whether the instruction concerns a folder.
func (i Instruction) IsDirectory() bool {
	switch {
	case i.Record != nil:
		return i.Record.Type == ItemTypeDirectory
	case i.Base != nil:
		return i.Base.Type == ItemTypeDirectory
	case i.Remote != nil:
		return i.Remote.IsDir
	case i.Local.Real != nil:
		return i.Local.Real.IsDir
	default:
		return false
	}
}

// AppliedRecord is what the executor reports back after a successful
// apply.
type AppliedRecord struct {
	// Record is the journal entry to commit. Executors start from the
	// instruction's record and fill in what only the I/O can tell, such as
	// the identity returned by an upload. Nil purges the entry.
	Record *ItemRecord

	// ConflictCopy names the file the local content was moved to, when a
	// conflict made one.
	ConflictCopy string

	// ConflictPreview is an optional human-readable diff between the
	// conflicting versions.
	ConflictPreview string
}
