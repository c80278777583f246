package ssh

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
)

// Publisher uploads finished result folders to a remote host over SFTP.
// Each call opens its own connection, so it is safe for concurrent use.
type Publisher struct {
	Addr       string
	User       string
	KeyPath    string
	KnownHosts string
	RemoteDir  string
	Timeout    time.Duration
	Log        zerolog.Logger
}

// Publish copies resultDir to RemoteDir/<base name of resultDir>.
func (p *Publisher) Publish(ctx context.Context, resultDir string) error {
	keyPath, err := p.KeyFile()
	if err != nil {
		return err
	}
	khPath, err := p.KnownHostsFile()
	if err != nil {
		return err
	}
	signer, err := LoadPrivateKeySigner(keyPath)
	if err != nil {
		return err
	}
	kh, err := HostKeyCallback(khPath)
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cli, err := Dial(ctx, &Client{Addr: p.Addr, User: p.User, Signer: signer, KnownHosts: kh, Timeout: timeout})
	if err != nil {
		return err
	}
	defer cli.Close()
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	remote := path.Join(p.RemoteDir, filepath.Base(resultDir))
	start := time.Now()
	n, err := PushDir(ctx, sf, resultDir, remote)
	if err != nil {
		return fmt.Errorf("push %s: %w", resultDir, err)
	}
	p.Log.Debug().Str("remote", p.Addr+":"+remote).Int("files", n).Dur("took", time.Since(start)).Msg("uploaded results")
	return nil
}

// KeyFile is the private key used to log in, ~/.ssh/id_ed25519 by default.
func (p *Publisher) KeyFile() (string, error) { return orHome(p.KeyPath, ".ssh", "id_ed25519") }

// KnownHostsFile is the known_hosts file checked before upload,
// ~/.ssh/known_hosts by default.
func (p *Publisher) KnownHostsFile() (string, error) {
	return orHome(p.KnownHosts, ".ssh", "known_hosts")
}

func orHome(p string, elem ...string) (string, error) {
	if p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(append([]string{home}, elem...)...), nil
}
