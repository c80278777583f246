package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSpectrum = `BLOCK MASS
   1000022     2.00000000E+02   # ~chi_10
   1000023     3.00000000E+02   # ~chi_20
   1000024     3.00000000E+02   # ~chi_1+
XSECTION  1.30E+04  2212 2212 2 1000023 1000024
  0  0  0  0  0  0    1.50E-01 Prospino
  0  2  0  0  0  0    1.90E-01 NLL-fast
XSECTION  1.30E+04  2212 2212 2 1000024 -1000024
  0  2  0  0  0  0    1.23456789E-03 NLL-fast
`

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// isolateEnv clears overlay variables so the developer's shell cannot leak
// into config tests.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func testJob(outRoot string) JobSpec {
	params := NewSection("CheckMateParameters")
	params.Set(FieldName, "point1")
	params.Set(FieldOutputDir, outRoot)
	params.Set("Analyses", "atlas_1712_02118_ew")
	proc := NewSection("TChiWZ")
	proc.Set(FieldName, "TChiWZ")
	proc.Set("MGcommand", "import model MSSM_SLHA2; generate p p > n2 x1+")
	return JobSpec{
		Input:      "/data/point1.slha",
		Name:       "point1",
		OutputRoot: outRoot,
		Parameters: params,
		Processes:  []*Section{proc},
		Tool:       Tool{Dir: "/opt/checkmate/bin", Executable: "CheckMATE", Interpreter: "python2"},
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}
