package launchconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLaunchJSON = `{
	"version": "0.2.0",
	"configurations": [
		{
			"type": "R-Debugger",
			"request": "launch",
			"name": "Debug analysis",
			"file": "${workspaceFolder}/R/${input:script}",
			"workingDirectory": "${workspaceFolder}",
			"args": ["--data", "${env:RDEBUG_TEST_DATA}"],
			"env": {"R_LIBS": "${workspaceFolder}/lib"}
		},
		{
			"type": "R-Debugger",
			"request": "attach",
			"name": "Attach local",
			"port": 8765
		},
		{
			"type": "python",
			"request": "launch",
			"name": "Not R",
			"program": "main.py"
		}
	],
	"inputs": [
		{"id": "script", "type": "promptString", "default": "main.R"},
		{"id": "other", "type": "promptString"}
	]
}`

func writeWorkspace(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	vscode := filepath.Join(root, VSCodeDirName)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "R", "nested"), 0o755))
	require.NoError(t, os.MkdirAll(vscode, 0o755))
	path := filepath.Join(vscode, LaunchJSONFileName)
	require.NoError(t, os.WriteFile(path, []byte(sampleLaunchJSON), 0o644))
	return root, path
}

func TestLoadAndDiscover(t *testing.T) {
	root, path := writeWorkspace(t)

	found, err := Discover(filepath.Join(root, "R", "nested"))
	require.NoError(t, err)
	assert.Equal(t, path, found)

	lj, loadedFrom, err := Load("", filepath.Join(root, "R"))
	require.NoError(t, err)
	assert.Equal(t, path, loadedFrom)
	assert.Equal(t, "0.2.0", lj.Version)
	assert.Len(t, lj.Configurations, 3)
	assert.Equal(t, []string{"Debug analysis", "Attach local"}, ListConfigurationNames(lj))
	assert.Equal(t, filepath.ToSlash(root), GetWorkspaceFolder(path))

	_, err = Discover(t.TempDir())
	assert.Error(t, err)

	_, err = LoadFromPath(filepath.Join(root, "missing.json"))
	assert.Error(t, err)
}

func TestFindConfiguration(t *testing.T) {
	_, path := writeWorkspace(t)
	lj, err := LoadFromPath(path)
	require.NoError(t, err)

	cfg, err := FindConfiguration(lj, "Attach local")
	require.NoError(t, err)
	assert.True(t, cfg.IsAttachRequest())

	_, err = FindConfiguration(lj, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Debug analysis")
}

func TestResolveConfiguration_Launch(t *testing.T) {
	root, path := writeWorkspace(t)
	lj, err := LoadFromPath(path)
	require.NoError(t, err)
	cfg, err := FindConfiguration(lj, "Debug analysis")
	require.NoError(t, err)

	ws := GetWorkspaceFolder(path)
	res, err := ResolveConfiguration(lj, cfg, &ResolutionContext{
		WorkspaceFolder: ws,
		EnvOverrides:    map[string]string{"RDEBUG_TEST_DATA": "data.csv"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Launch)
	assert.Equal(t, ws+"/R/main.R", res.Launch.Script, "input default fills the file name")
	assert.Equal(t, ws, res.Launch.Cwd)
	assert.Equal(t, []string{"--data", "data.csv"}, res.Launch.Args)
	assert.Equal(t, map[string]string{"R_LIBS": ws + "/lib"}, res.Launch.Env)
	assert.Equal(t, filepath.ToSlash(root), ws)

	res, err = ResolveConfiguration(lj, cfg, &ResolutionContext{
		WorkspaceFolder: ws,
		InputValues:     map[string]string{"script": "other.R"},
	})
	require.NoError(t, err)
	assert.Equal(t, ws+"/R/other.R", res.Launch.Script, "explicit inputs win over defaults")
}

func TestResolveConfiguration_Attach(t *testing.T) {
	lj := &LaunchJSON{}

	res, err := ResolveConfiguration(lj, &DebugConfiguration{
		Type: ConfigType, Request: "attach", Name: "a", Port: 9000,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000", res.URL)
	assert.Nil(t, res.Launch)

	res, err = ResolveConfiguration(lj, &DebugConfiguration{
		Type: ConfigType, Request: "attach", Name: "b", URL: "ws://${env:RDEBUG_HOST}:1", Port: 9000,
	}, &ResolutionContext{EnvOverrides: map[string]string{"RDEBUG_HOST": "remote"}})
	require.NoError(t, err)
	assert.Equal(t, "ws://remote:1", res.URL)

	_, err = ResolveConfiguration(lj, &DebugConfiguration{Type: ConfigType, Request: "attach", Name: "c"}, nil)
	assert.Error(t, err)
}

func TestResolveConfiguration_Invalid(t *testing.T) {
	lj := &LaunchJSON{Inputs: []InputConfig{{ID: "other", Type: "promptString"}}}

	_, err := ResolveConfiguration(lj, &DebugConfiguration{Type: "python", Request: "launch", Name: "p", File: "x"}, nil)
	assert.Error(t, err)

	_, err = ResolveConfiguration(lj, &DebugConfiguration{Type: ConfigType, Request: "launch", Name: "nofile"}, nil)
	assert.Error(t, err)

	_, err = ResolveConfiguration(lj, &DebugConfiguration{
		Type: ConfigType, Request: "launch", Name: "needs", File: "${input:other}/${input:third}",
	}, nil)
	missing, ok := IsMissingInputsError(err)
	require.True(t, ok)
	assert.Equal(t, []string{"other", "third"}, missing.Inputs)
}

func TestResolveVariables(t *testing.T) {
	ctx := &ResolutionContext{WorkspaceFolder: "/ws", CurrentFile: "/ws/R/fit.R"}

	cases := map[string]string{
		"${workspaceFolderBasename}":  "ws",
		"${fileBasename}":             "fit.R",
		"${fileBasenameNoExtension}":  "fit",
		"${fileDirname}":              "/ws/R",
		"${relativeFile}":             "R/fit.R",
		"plain":                       "plain",
		"${file}:${workspaceFolder}":  "/ws/R/fit.R:/ws",
	}
	for in, want := range cases {
		got, err := ResolveVariables(in, ctx)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	got, err := ResolveVariables("a ${bogus} b", ctx)
	assert.Error(t, err)
	assert.Equal(t, "a ${bogus} b", got, "unknown variables are left in place")

	assert.Equal(t, []string{"x", "y"}, FindRequiredInputs("${input:x} ${env:HOME} ${input:y} ${input:x}"))
}
