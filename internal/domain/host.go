package domain

// HostInventory is the static hardware description uploaded to the control
// plane during spec verification. Every field is a descriptive string the
// way the backend expects them; no normalization happens server-side.
type HostInventory struct {
	CPUName      string `json:"cpu_name"`
	CPUCores     int    `json:"cpu_cores"`
	CPUFreqGHz   string `json:"cpu_freq"`
	RAM          string `json:"ram"`
	Disk         string `json:"disk"`
	OS           string `json:"os"`
	MAC          string `json:"mac"`
	IP           string `json:"ip"`
	SSHPublicKey string `json:"ssh_public_key,omitempty"`
}
