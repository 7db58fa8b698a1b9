// Package launchconfig reads R debug configurations from VS Code
// launch.json files and resolves the ${...} variables they contain.
package launchconfig

// ConfigType is the launch.json "type" of an R debug configuration
const ConfigType = "R-Debugger"

// LaunchJSON represents a VS Code launch.json file structure.
type LaunchJSON struct {
	Version        string               `json:"version"`
	Configurations []DebugConfiguration `json:"configurations"`
	Inputs         []InputConfig        `json:"inputs,omitempty"`
}

// DebugConfiguration is a single debug configuration in launch.json.
type DebugConfiguration struct {
	Type    string `json:"type"`
	Request string `json:"request"` // "launch" or "attach"
	Name    string `json:"name"`

	// Launch fields
	File             string            `json:"file,omitempty"`
	Args             []string          `json:"args,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	HostPath         string            `json:"hostPath,omitempty"`

	// Attach fields. URL wins over host and port.
	URL  string `json:"url,omitempty"`
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// InputConfig is a user input variable definition.
type InputConfig struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"` // "promptString" or "pickString"
	Description string   `json:"description,omitempty"`
	Default     string   `json:"default,omitempty"`
	Options     []string `json:"options,omitempty"`
}

// ResolutionContext provides context for variable resolution.
type ResolutionContext struct {
	WorkspaceFolder string
	// CurrentFile backs ${file} and its derivatives
	CurrentFile  string
	InputValues  map[string]string
	EnvOverrides map[string]string
}

// IsLaunchRequest reports whether the configuration spawns a runtime
func (c *DebugConfiguration) IsLaunchRequest() bool {
	return c.Request == "launch"
}

// IsAttachRequest reports whether the configuration connects to a runtime
func (c *DebugConfiguration) IsAttachRequest() bool {
	return c.Request == "attach"
}
