package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const spectrum = `BLOCK MASS
   1000022     2.00000000E+02   # ~chi_10
   1000023     3.00000000E+02   # ~chi_20
XSECTION  1.30E+04  2212 2212 2 1000023 1000024
  0  2  0  0  0  0    1.90E-01 NLL-fast
`

// fakeTool stands in for CheckMATE: it reads the job name and output root
// from the card and leaves a result folder behind.
const fakeTool = `card="$1"
name=$(sed -n 's/^Name: //p' "$card" | head -n 1)
out=$(sed -n 's/^OutputDirectory: //p' "$card" | head -n 1)
mkdir -p "$out/$name/evaluation" "$out/$name/mg5amcatnlo/Events/run_01" "$out/$name/analysis"
cp "$card" "$out/$name/card.dat"
echo "SR1 0.12" > "$out/$name/evaluation/best_signal_regions.txt"
echo "events" > "$out/$name/mg5amcatnlo/Events/run_01/events.lhe"
echo "log" > "$out/$name/analysis/analysisstdout_atlas_1712_02118_ew.log"
`

type scanFixture struct {
	dir     string
	parfile string
	results string
}

func newScanFixture(t *testing.T) scanFixture {
	t.Helper()
	dir := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	for _, name := range []string{"m200", "m300", "m400"} {
		write(filepath.Join("slha", name+".slha"), spectrum)
	}
	write(filepath.Join("slha", "notes.txt"), "not a spectrum\n")
	write(filepath.Join("checkmate", "bin", "CheckMATE"), fakeTool)

	results := filepath.Join(dir, "results")
	write("scan.yaml", fmt.Sprintf(`options:
  input: %s
  ncpu: 2
  cleanUp: true
  checkmateFolder: %s
  interpreter: sh
  submitDelay: 0
  ledger: %s
  metrics: true
  useSLHAxsecs:
    TChiWZ: [2212, 2212, 1000023, 1000024]
CheckMateParameters:
  OutputDirectory: %s
  Analyses: atlas_1712_02118_ew
TChiWZ:
  Name: TChiWZ
  MGcommand: "import model MSSM_SLHA2; generate p p > n2 x1+"
`, filepath.Join(dir, "slha"), filepath.Join(dir, "checkmate"), filepath.Join(dir, "state", "ledger.db"), results))

	chdir(t, dir)
	return scanFixture{dir: dir, parfile: filepath.Join(dir, "scan.yaml"), results: results}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func outputLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestScanEndToEnd(t *testing.T) {
	isolate(t)
	f := newScanFixture(t)

	out, err := execute(t, "-p", f.parfile)
	require.NoError(t, err)
	lines := outputLines(out)
	require.Len(t, lines, 4, out)
	for i, name := range []string{"m200", "m300", "m400"} {
		assert.True(t, strings.HasPrefix(lines[i], "Finished running "+name+" at "), lines[i])
	}
	assert.True(t, strings.HasPrefix(lines[3], "Done in "), lines[3])

	card, err := os.ReadFile(filepath.Join(f.results, "m300", "card.dat"))
	require.NoError(t, err)
	assert.Contains(t, string(card), "[Parameters]\n")
	assert.Contains(t, string(card), "SLHAFile: "+filepath.Join(f.dir, "slha", "m300.slha")+"\n")
	assert.Contains(t, string(card), "\n[TChiWZ]\n")
	assert.Contains(t, string(card), "XSect: 0.19 PB\n")
	assert.NotContains(t, string(card), "Name: TChiWZ")

	assert.NoDirExists(t, filepath.Join(f.results, "m300", "mg5amcatnlo", "Events"))
	assert.NoFileExists(t, filepath.Join(f.results, "m300", "analysis", "analysisstdout_atlas_1712_02118_ew.log"))
	assert.FileExists(t, filepath.Join(f.results, "m300", "evaluation", "best_signal_regions.txt"))

	cards, err := filepath.Glob(filepath.Join(f.dir, "checkmateCard_*.dat"))
	require.NoError(t, err)
	assert.Empty(t, cards, "steering cards must be removed")

	out, err = execute(t, "-p", f.parfile)
	require.NoError(t, err)
	lines = outputLines(out)
	require.Len(t, lines, 4, out)
	for i, name := range []string{"m200", "m300", "m400"} {
		assert.Equal(t, "---- "+filepath.Join(f.results, name)+" skipped", lines[i])
	}

	out, err = execute(t, "history", "-p", f.parfile, "--jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "RUN")
	assert.Equal(t, 6, strings.Count(out, "exit 0"), out)
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, f.parfile)
}

func TestScanRejectsUnknownVerbosity(t *testing.T) {
	isolate(t)
	f := newScanFixture(t)
	_, err := execute(t, "-p", f.parfile, "-v", "loud")
	require.Error(t, err)
	assert.NoDirExists(t, f.results)
}

func TestScanMissingProcessNameRunsNothing(t *testing.T) {
	isolate(t)
	f := newScanFixture(t)
	content, err := os.ReadFile(f.parfile)
	require.NoError(t, err)
	broken := strings.Replace(string(content), "  Name: TChiWZ\n", "", 1)
	require.NoError(t, os.WriteFile(f.parfile, []byte(broken), 0o644))

	_, err = execute(t, "-p", f.parfile, "-v", "debug")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Name")
	assert.NoDirExists(t, f.results)
}

func TestKeygenAndTrustHost(t *testing.T) {
	isolate(t)
	f := newScanFixture(t)
	key := filepath.Join(f.dir, "keys", "id_ed25519")
	kh := filepath.Join(f.dir, "keys", "known_hosts")
	content, err := os.ReadFile(f.parfile)
	require.NoError(t, err)
	withPublish := strings.Replace(string(content), "  metrics: true\n", "  metrics: true\n  publish:\n"+
		"    host: results.example.org\n"+
		"    user: scan\n"+
		"    remoteDir: /srv/results\n"+
		"    keyPath: "+key+"\n"+
		"    knownHosts: "+kh+"\n", 1)
	require.NoError(t, os.WriteFile(f.parfile, []byte(withPublish), 0o644))

	pub, err := execute(t, "keygen", "-p", f.parfile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pub, "ssh-ed25519 "), pub)
	assert.FileExists(t, key)

	_, err = execute(t, "keygen", "-p", f.parfile)
	require.Error(t, err, "an existing key is kept")

	_, err = execute(t, "trust-host", "-p", f.parfile)
	require.Error(t, err)

	out, err := execute(t, "trust-host", "-p", f.parfile, "--key", pub)
	require.NoError(t, err)
	assert.Contains(t, out, "results.example.org:22 trusted")
	known, err := os.ReadFile(kh)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(known), "results.example.org ssh-ed25519 "), string(known))
}

func TestPublishCommandsNeedTarget(t *testing.T) {
	isolate(t)
	f := newScanFixture(t)
	_, err := execute(t, "keygen", "-p", f.parfile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "options.publish")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "cmscan "+version), out)
}

func isolate(t *testing.T) {
	for _, k := range []string{"CMSCAN_CHECKMATE_FOLDER", "CMSCAN_NCPU", "CMSCAN_PUBLISH_KEY"} {
		t.Setenv(k, "")
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
