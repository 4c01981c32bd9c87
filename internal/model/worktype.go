package model

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/BurntSushi/toml"
)

// Kind identifies a work-type variant.
type Kind string

const (
	KindLight Kind = "light"
	KindDeep  Kind = "deep"
)

// Extra column names a work type may opt into.
const (
	ColFocusBlocks      = "focus_blocks"
	ColBreakDuration    = "break_duration"
	ColInterruptionMode = "interruption_mode"

	ColRequiresFocus   = "requires_focus"
	ColComplexityLevel = "complexity_level"
)

// Table names are interpolated into SQL, so they are restricted to plain
// identifiers.
var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var (
	knownTaskExtras    = []string{ColFocusBlocks, ColBreakDuration, ColInterruptionMode}
	knownSubtaskExtras = []string{ColRequiresFocus, ColComplexityLevel}
)

// Defaults are applied to newly created tasks of a work type.
type Defaults struct {
	FocusBlocks      *int    `toml:"focus_blocks"`
	BreakDuration    *int    `toml:"break_duration"`
	InterruptionMode *string `toml:"interruption_mode"`
}

// WorkType describes one domain variant: where its rows live remotely,
// which extra columns it carries and what new tasks start with.
type WorkType struct {
	Kind            Kind     `toml:"kind"`
	Name            string   `toml:"name"`
	TaskTable       string   `toml:"task_table"`
	SubtaskTable    string   `toml:"subtask_table"`
	IDPrefix        string   `toml:"id_prefix"`
	DefaultPriority Priority `toml:"default_priority"`
	TaskExtras      []string `toml:"task_extras"`
	SubtaskExtras   []string `toml:"subtask_extras"`
	Defaults        Defaults `toml:"defaults"`
}

// LightWork is the built-in descriptor for quick, shallow tasks.
var LightWork = WorkType{
	Kind:            KindLight,
	Name:            "Light Work",
	TaskTable:       "light_work_tasks",
	SubtaskTable:    "light_work_subtasks",
	IDPrefix:        "light",
	DefaultPriority: PriorityMedium,
}

// DeepWork is the built-in descriptor for focus-block tasks.
var DeepWork = WorkType{
	Kind:            KindDeep,
	Name:            "Deep Work",
	TaskTable:       "deep_work_tasks",
	SubtaskTable:    "deep_work_subtasks",
	IDPrefix:        "deep",
	DefaultPriority: PriorityHigh,
	TaskExtras:      []string{ColFocusBlocks, ColBreakDuration, ColInterruptionMode},
	SubtaskExtras:   []string{ColRequiresFocus, ColComplexityLevel},
	Defaults: Defaults{
		FocusBlocks:      Ptr(1),
		BreakDuration:    Ptr(15),
		InterruptionMode: Ptr("allow_urgent"),
	},
}

// Validate checks the descriptor is usable by the remote adapters.
func (w WorkType) Validate() error {
	if w.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if w.TaskTable == "" || w.SubtaskTable == "" {
		return fmt.Errorf("work type %s: task_table and subtask_table are required", w.Kind)
	}
	if !identRe.MatchString(w.TaskTable) || !identRe.MatchString(w.SubtaskTable) {
		return fmt.Errorf("work type %s: table names must match %s", w.Kind, identRe)
	}
	if w.IDPrefix == "" {
		return fmt.Errorf("work type %s: id_prefix is required", w.Kind)
	}
	if !w.DefaultPriority.Valid() {
		return fmt.Errorf("work type %s: invalid default priority %q", w.Kind, w.DefaultPriority)
	}
	for _, c := range w.TaskExtras {
		if !slices.Contains(knownTaskExtras, c) {
			return fmt.Errorf("work type %s: unknown task extra %q", w.Kind, c)
		}
	}
	for _, c := range w.SubtaskExtras {
		if !slices.Contains(knownSubtaskExtras, c) {
			return fmt.Errorf("work type %s: unknown subtask extra %q", w.Kind, c)
		}
	}
	return nil
}

// HasTaskExtra reports whether the work type carries the given task column.
func (w WorkType) HasTaskExtra(col string) bool {
	return slices.Contains(w.TaskExtras, col)
}

// HasSubtaskExtra reports whether the work type carries the given subtask column.
func (w WorkType) HasSubtaskExtra(col string) bool {
	return slices.Contains(w.SubtaskExtras, col)
}

// ApplyDefaults sets work-type defaults on a freshly created task.
func (w WorkType) ApplyDefaults(t *Task) {
	if t.Priority == "" {
		t.Priority = w.DefaultPriority
	}
	if w.HasTaskExtra(ColFocusBlocks) && t.FocusBlocks == nil {
		t.FocusBlocks = clonePtr(w.Defaults.FocusBlocks)
	}
	if w.HasTaskExtra(ColBreakDuration) && t.BreakDuration == nil {
		t.BreakDuration = clonePtr(w.Defaults.BreakDuration)
	}
	if w.HasTaskExtra(ColInterruptionMode) && t.InterruptionMode == nil {
		t.InterruptionMode = clonePtr(w.Defaults.InterruptionMode)
	}
	t.SetDefaults()
}

// BuiltinWorkTypes returns the two built-in descriptors keyed by kind.
func BuiltinWorkTypes() map[Kind]WorkType {
	return map[Kind]WorkType{
		KindLight: LightWork,
		KindDeep:  DeepWork,
	}
}

type workTypeFile struct {
	WorkTypes []WorkType `toml:"work_type"`
}

// LoadWorkTypes reads descriptors from a TOML file of [[work_type]] tables
// and layers them over the built-ins. Entries replace built-ins of the same kind.
func LoadWorkTypes(path string) (map[Kind]WorkType, error) {
	var f workTypeFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to decode work types %s: %w", path, err)
	}

	out := BuiltinWorkTypes()
	for _, w := range f.WorkTypes {
		if w.DefaultPriority == "" {
			w.DefaultPriority = PriorityMedium
		}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("invalid work type in %s: %w", path, err)
		}
		out[w.Kind] = w
	}
	return out, nil
}
