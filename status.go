package redundancy

// Service levels published with each status record.
const (
	ServiceLevelNone   uint8 = 0
	ServiceLevelActive uint8 = 1
)

// StatusRecord is one entry of the redundant server array.
type StatusRecord struct {
	// ID identifies the instance; unique within the set.
	ID string `json:"id" yaml:"id"`

	// ServiceLevel is the advertised service level (0-255).
	ServiceLevel uint8 `json:"serviceLevel" yaml:"serviceLevel"`

	// State is the instance's lifecycle state.
	State ServerState `json:"state" yaml:"state"`
}

// InstanceView is what an observer sees of one instance. Fields that could
// not be read are left zero and Available reports false.
type InstanceView struct {
	ID           string      `json:"id"`
	Role         Role        `json:"role"`
	State        ServerState `json:"state"`
	ServiceLevel uint8       `json:"serviceLevel"`
	AnalogValue  float64     `json:"analogValue"`
	HasValue     bool        `json:"hasValue"`
	Available    bool        `json:"available"`
}

// Observation is a diagnostic snapshot of the set for display purposes.
type Observation struct {
	SetID     string         `json:"setId"`
	Phase     Phase          `json:"phase"`
	CurrentID string         `json:"currentId"`
	Current   InstanceView   `json:"current"`
	Client    InstanceView   `json:"client"`
	Records   []StatusRecord `json:"records"`
	History   []string       `json:"history"`
}
