package launchconfig

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/ctagard/rdebug/pkg/types"
)

// MissingInputsError is returned when required ${input:} values are not
// provided and have no default.
type MissingInputsError struct {
	Inputs []string
}

func (e *MissingInputsError) Error() string {
	return fmt.Sprintf("missing input values: %v", e.Inputs)
}

// IsMissingInputsError checks if an error is a MissingInputsError.
func IsMissingInputsError(err error) (*MissingInputsError, bool) {
	var e *MissingInputsError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Resolved is a configuration with every variable substituted
type Resolved struct {
	Name string
	// Launch is set for launch configurations
	Launch *types.LaunchRequest
	// URL is set for attach configurations
	URL string
}

// ResolveConfiguration validates cfg and substitutes its variables. Input
// defaults declared in lj fill in values missing from ctx.
func ResolveConfiguration(lj *LaunchJSON, cfg *DebugConfiguration, ctx *ResolutionContext) (*Resolved, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	if err := ValidateConfiguration(cfg); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = &ResolutionContext{}
	}
	ctx = withInputDefaults(lj, ctx)

	var missing []string
	for _, id := range requiredInputs(cfg) {
		if _, ok := ctx.InputValues[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingInputsError{Inputs: missing}
	}

	if cfg.IsAttachRequest() {
		url, err := attachURL(cfg, ctx)
		if err != nil {
			return nil, err
		}
		return &Resolved{Name: cfg.Name, URL: url}, nil
	}

	req := &types.LaunchRequest{}
	var err error
	if req.Script, err = ResolveVariables(cfg.File, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve file: %w", err)
	}
	if req.Cwd, err = ResolveVariables(cfg.WorkingDirectory, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve workingDirectory: %w", err)
	}
	if req.HostPath, err = ResolveVariables(cfg.HostPath, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve hostPath: %w", err)
	}
	if req.Args, err = ResolveStringSlice(cfg.Args, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve args: %w", err)
	}
	if req.Env, err = ResolveStringMap(cfg.Env, ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve env: %w", err)
	}
	return &Resolved{Name: cfg.Name, Launch: req}, nil
}

func attachURL(cfg *DebugConfiguration, ctx *ResolutionContext) (string, error) {
	if cfg.URL != "" {
		url, err := ResolveVariables(cfg.URL, ctx)
		if err != nil {
			return "", fmt.Errorf("failed to resolve url: %w", err)
		}
		return url, nil
	}
	if cfg.Port <= 0 {
		return "", fmt.Errorf("attach configuration %q needs a url or a port", cfg.Name)
	}
	host, err := ResolveVariables(cfg.Host, ctx)
	if err != nil {
		return "", fmt.Errorf("failed to resolve host: %w", err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)), nil
}

// withInputDefaults returns a copy of ctx whose input values fall back to
// the defaults declared in lj
func withInputDefaults(lj *LaunchJSON, ctx *ResolutionContext) *ResolutionContext {
	out := *ctx
	out.InputValues = make(map[string]string, len(ctx.InputValues))
	if lj != nil {
		for _, in := range lj.Inputs {
			if in.Default != "" {
				out.InputValues[in.ID] = in.Default
			}
		}
	}
	for k, v := range ctx.InputValues {
		out.InputValues[k] = v
	}
	return &out
}
