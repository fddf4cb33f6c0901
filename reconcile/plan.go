package reconcile

import (
	"sort"
)

// Plan groups a pass's instructions into the phases the executor must
// respect. Directories are created before anything inside them and
// removed only after everything inside them.
type Plan struct {
	// Directories are creations, shallowest first. Run sequentially.
	Directories []Instruction

	// Renames run sequentially, outer directories first.
	Renames []Instruction

	// Transfers touch independent paths and may run concurrently.
	Transfers []Instruction

	// Removals are files first, then directories deepest first.
	Removals []Instruction
}

// Len counts every instruction in the plan.
func (p *Plan) Len() int {
	return len(p.Directories) + len(p.Renames) + len(p.Transfers) + len(p.Removals)
}

// All returns the instructions in execution order.
func (p *Plan) All() []Instruction {
	all := make([]Instruction, 0, p.Len())
	all = append(all, p.Directories...)
	all = append(all, p.Renames...)
	all = append(all, p.Transfers...)
	all = append(all, p.Removals...)

	return all
}

// BuildPlan drops no-op instructions, keeps directories that still have
// content flowing into them and orders the rest into phases.
func BuildPlan(instructions []Instruction) *Plan {
	instructions = protectDirectories(instructions)

	plan := &Plan{}

	var removeFiles, removeDirs []Instruction

	for _, ins := range instructions {
		switch ins.Kind {
		case InstructionNone:
			continue
		case InstructionRename:
			plan.Renames = append(plan.Renames, ins)
		case InstructionRemove:
			if ins.IsDirectory() {
				removeDirs = append(removeDirs, ins)
			} else {
				removeFiles = append(removeFiles, ins)
			}
		case InstructionNew, InstructionConflict:
			// A conflict can replace a file with a folder; its children
			// need the folder first like any other creation.
			if ins.Record != nil && ins.Record.Type == ItemTypeDirectory {
				plan.Directories = append(plan.Directories, ins)
			} else {
				plan.Transfers = append(plan.Transfers, ins)
			}
		default:
			plan.Transfers = append(plan.Transfers, ins)
		}
	}

	sortByDepth(plan.Directories, false)
	sort.SliceStable(plan.Renames, func(i, j int) bool {
		di, dj := Depth(plan.Renames[i].From), Depth(plan.Renames[j].From)
		if di != dj {
			return di < dj
		}

		return plan.Renames[i].From < plan.Renames[j].From
	})
	sort.SliceStable(plan.Transfers, func(i, j int) bool {
		return plan.Transfers[i].Path < plan.Transfers[j].Path
	})
	sort.SliceStable(removeFiles, func(i, j int) bool {
		return removeFiles[i].Path < removeFiles[j].Path
	})
	sortByDepth(removeDirs, true)

	plan.Removals = append(removeFiles, removeDirs...)

	return plan
}

// protectDirectories turns the removal of a directory into a re-creation
// on the side that deleted it when something below it is still being
// sent there. Deleting the folder would otherwise take the new content
// with it.
func protectDirectories(instructions []Instruction) []Instruction {
	incoming := map[Side][]string{}

	for _, ins := range instructions {
		if ins.Kind != InstructionNew && ins.Kind != InstructionConflict && ins.Kind != InstructionRename {
			continue
		}

		incoming[ins.Target] = append(incoming[ins.Target], ins.Path)
	}

	out := make([]Instruction, len(instructions))
	copy(out, instructions)

	for i, ins := range out {
		if ins.Kind != InstructionRemove || ins.Target == SideNone || !ins.IsDirectory() {
			continue
		}

		// Removing locally means the server dropped the folder. Content
		// still going to the server needs the folder back there.
		recreateOn := SideRemote
		if ins.Target == SideRemote {
			recreateOn = SideLocal
		}

		if !hasDescendant(incoming[recreateOn], ins.Path) {
			continue
		}

		rec := &ItemRecord{Path: ins.Path, Type: ItemTypeDirectory}
		if ins.Base != nil {
			copied := *ins.Base
			rec = &copied
		}

		if ins.Local.Real != nil {
			rec.ModTime = ins.Local.Real.ModTime
		}

		out[i].Kind = InstructionNew
		out[i].Target = recreateOn
		out[i].Record = rec
	}

	return out
}

func hasDescendant(paths []string, dir string) bool {
	for _, p := range paths {
		if isWithin(p, dir) && p != dir {
			return true
		}
	}

	return false
}

// sortByDepth orders instructions by path depth, ascending or descending,
// with the path as tie-break so plans are deterministic.
func sortByDepth(instructions []Instruction, deepestFirst bool) {
	sort.SliceStable(instructions, func(i, j int) bool {
		di, dj := Depth(instructions[i].Path), Depth(instructions[j].Path)
		if di != dj {
			if deepestFirst {
				return di > dj
			}

			return di < dj
		}

		return instructions[i].Path < instructions[j].Path
	})
}
