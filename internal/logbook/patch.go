package logbook

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roboclub/oprec/backend/internal/docstore"
)

// Field names an author-editable logbook field.
type Field string

const (
	FieldTeam          Field = "team"
	FieldActivityDate  Field = "activityDate"
	FieldTitle         Field = "title"
	FieldCategory      Field = "category"
	FieldDescription   Field = "description"
	FieldAchievements  Field = "achievements"
	FieldChallenges    Field = "challenges"
	FieldNextPlan      Field = "nextPlan"
	FieldDurationHours Field = "durationHours"
)

// ParseField validates a raw field name.
func ParseField(raw string) (Field, bool) {
	field := Field(strings.TrimSpace(raw))
	switch field {
	case FieldTeam, FieldActivityDate, FieldTitle, FieldCategory, FieldDescription,
		FieldAchievements, FieldChallenges, FieldNextPlan, FieldDurationHours:
		return field, true
	}
	return "", false
}

// DirtyFields marks the fields the user touched in the editor.
type DirtyFields map[Field]bool

// FormValues is the editor's full current state.
type FormValues struct {
	Team          string   `json:"team"`
	ActivityDate  string   `json:"activityDate"`
	Title         string   `json:"title"`
	Category      Category `json:"category"`
	Description   string   `json:"description"`
	Achievements  string   `json:"achievements"`
	Challenges    string   `json:"challenges"`
	NextPlan      string   `json:"nextPlan"`
	DurationHours float64  `json:"durationHours"`
}

// Patch holds only the changed fields. A nil pointer means "leave untouched".
type Patch struct {
	Team          *string
	ActivityDate  *string
	Title         *string
	Category      *Category
	Description   *string
	Achievements  *string
	Challenges    *string
	NextPlan      *string
	DurationHours *float64
}

// ComputeUpdatePayload copies exactly the dirty fields out of values.
func ComputeUpdatePayload(values FormValues, dirty DirtyFields) (Patch, error) {
	var patch Patch
	for field, changed := range dirty {
		if !changed {
			continue
		}
		switch field {
		case FieldTeam:
			patch.Team = trimmed(values.Team)
		case FieldActivityDate:
			patch.ActivityDate = trimmed(values.ActivityDate)
		case FieldTitle:
			patch.Title = trimmed(values.Title)
		case FieldCategory:
			category, _ := ParseCategory(string(values.Category))
			patch.Category = &category
		case FieldDescription:
			patch.Description = trimmed(values.Description)
		case FieldAchievements:
			patch.Achievements = trimmed(values.Achievements)
		case FieldChallenges:
			patch.Challenges = trimmed(values.Challenges)
		case FieldNextPlan:
			patch.NextPlan = trimmed(values.NextPlan)
		case FieldDurationHours:
			duration := values.DurationHours
			patch.DurationHours = &duration
		default:
			return Patch{}, fmt.Errorf("%w: %q", ErrUnknownField, field)
		}
	}
	return patch, nil
}

func trimmed(value string) *string {
	v := strings.TrimSpace(value)
	return &v
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Fields()) == 0
}

// Fields lists the changed field names in a stable order.
func (p Patch) Fields() []Field {
	var fields []Field
	for field := range p.updates() {
		fields = append(fields, field)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	return fields
}

// updates maps the patch onto store field paths. Zero optional values remove the field.
func (p Patch) updates() map[Field]any {
	updates := map[Field]any{}
	setString := func(field Field, value *string, optional bool) {
		if value == nil {
			return
		}
		if optional && *value == "" {
			updates[field] = docstore.DeleteField
			return
		}
		updates[field] = *value
	}
	setString(FieldTeam, p.Team, false)
	setString(FieldActivityDate, p.ActivityDate, false)
	setString(FieldTitle, p.Title, false)
	if p.Category != nil {
		updates[FieldCategory] = string(*p.Category)
	}
	setString(FieldDescription, p.Description, false)
	setString(FieldAchievements, p.Achievements, true)
	setString(FieldChallenges, p.Challenges, true)
	setString(FieldNextPlan, p.NextPlan, true)
	if p.DurationHours != nil {
		if *p.DurationHours == 0 {
			updates[FieldDurationHours] = docstore.DeleteField
		} else {
			updates[FieldDurationHours] = *p.DurationHours
		}
	}
	return updates
}

func (p Patch) storeUpdate() map[string]any {
	update := map[string]any{}
	for field, value := range p.updates() {
		update[string(field)] = value
	}
	return update
}
