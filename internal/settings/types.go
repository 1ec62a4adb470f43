package settings

import "time"

// Setting represents a system configuration setting
type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Type        string    `json:"type"` // string, int, bool
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Editable    bool      `json:"editable"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Category represents a group of related settings
type Category string

const (
	CategoryGeneral  Category = "general"
	CategoryLimits   Category = "limits"
	CategorySecurity Category = "security"
	CategoryActivity Category = "activity"
)

// Type represents the data type of a setting
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeBool   Type = "bool"
)

// Well-known keys
const (
	KeyAppName               = "general.app_name"
	KeyMaintenanceMode       = "general.maintenance_mode"
	KeyDefaultQuota          = "limits.default_quota"
	KeyMaxFileSize           = "limits.max_file_size"
	KeyAllowRegistration     = "security.allow_registration"
	KeyActivityRetentionDays = "activity.retention_days"
)

// UpdateRequest represents a request to update a setting
type UpdateRequest struct {
	Value string `json:"value"`
}
