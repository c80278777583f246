package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"
)

// startSFTPServer serves the local filesystem over SFTP on a loopback port to
// clients holding the given key.
func startSFTPServer(t *testing.T, authorized xssh.PublicKey) (string, xssh.PublicKey) {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := xssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unauthorized key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()
	return ln.Addr().String(), hostSigner.PublicKey()
}

func serveConn(conn net.Conn, cfg *xssh.ServerConfig) {
	defer conn.Close()
	sc, chans, reqs, err := xssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go xssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(xssh.UnknownChannelType, "unsupported channel")
			continue
		}
		ch, in, err := nc.Accept()
		if err != nil {
			return
		}
		go func() {
			for req := range in {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
				if !ok {
					continue
				}
				srv, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				go func() {
					_ = srv.Serve()
					srv.Close()
				}()
			}
		}()
	}
}

type publishFixture struct {
	pub       *Publisher
	resultDir string
	remote    string
}

func newPublishFixture(t *testing.T, trustHost bool) publishFixture {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	pubText, err := GenerateEd25519Keypair(keyPath)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	clientKey, _, _, _, err := xssh.ParseAuthorizedKey([]byte(pubText))
	if err != nil {
		t.Fatal(err)
	}
	addr, hostKey := startSFTPServer(t, clientKey)

	kh := filepath.Join(dir, "known_hosts")
	if trustHost {
		if err := TrustHost(kh, addr, string(xssh.MarshalAuthorizedKey(hostKey))); err != nil {
			t.Fatalf("known host: %v", err)
		}
	}

	resultDir := filepath.Join(dir, "results", "point1")
	for rel, content := range map[string]string{
		"evaluation/best_signal_regions.txt": "SR1 0.12\n",
		"analysis/cutflow.dat":               "cut 1\n",
		"run_info.txt":                       "done\n",
	} {
		p := filepath.Join(resultDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	remote := filepath.Join(dir, "remote")
	return publishFixture{
		pub: &Publisher{
			Addr:       addr,
			User:       "scan",
			KeyPath:    keyPath,
			KnownHosts: kh,
			RemoteDir:  filepath.ToSlash(remote),
			Log:        zerolog.Nop(),
		},
		resultDir: resultDir,
		remote:    remote,
	}
}

func TestPublisherMirrorsResultFolder(t *testing.T) {
	f := newPublishFixture(t, true)
	if err := f.pub.Publish(context.Background(), f.resultDir); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(f.remote, "point1", "evaluation", "best_signal_regions.txt"))
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if string(got) != "SR1 0.12\n" {
		t.Fatalf("unexpected content %q", got)
	}
	if _, err := os.Stat(filepath.Join(f.remote, "point1", "run_info.txt")); err != nil {
		t.Fatalf("top-level file missing: %v", err)
	}
}

func TestPublisherRejectsUnknownHost(t *testing.T) {
	f := newPublishFixture(t, false)
	if err := f.pub.Publish(context.Background(), f.resultDir); err == nil {
		t.Fatalf("expected host key verification failure")
	}
	if _, err := os.Stat(filepath.Join(f.remote, "point1")); err == nil {
		t.Fatalf("nothing must be uploaded to an unverified host")
	}
}

func TestDialRequiresHostKeyCallback(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Dial(context.Background(), &Client{Addr: "127.0.0.1:1", User: "x", Signer: signer}); err == nil {
		t.Fatalf("expected error without host key callback")
	}
}
