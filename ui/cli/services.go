// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/toeirei/keymaster-dsh/core/directory"
	"github.com/toeirei/keymaster-dsh/core/resolver"
	"github.com/toeirei/keymaster-dsh/core/security"
	"github.com/toeirei/keymaster-dsh/internal/config"
	"github.com/toeirei/keymaster-dsh/internal/db"
	"github.com/toeirei/keymaster-dsh/internal/deploy"
	"github.com/toeirei/keymaster-dsh/internal/fileaccess"
	"github.com/toeirei/keymaster-dsh/internal/i18n"
	"github.com/toeirei/keymaster-dsh/internal/inventory"
	"github.com/toeirei/keymaster-dsh/internal/logging"
	"github.com/toeirei/keymaster-dsh/internal/natsdir"

	cryptossh "github.com/toeirei/keymaster-dsh/core/crypto/ssh"
	"golang.org/x/term"
)

// passphraseEnv supplies the identity passphrase non-interactively.
const passphraseEnv = "KEYMASTER_DSH_PASSPHRASE"

// identityFiles are probed in the admin account when no identity file is
// configured.
var identityFiles = []string{".ssh/id_ed25519", ".ssh/id_rsa"}

// hostKeyFiles are probed in order when no host key file is configured.
var hostKeyFiles = []string{
	"/etc/ssh/ssh_host_ed25519_key.pub",
	"/etc/ssh/ssh_host_rsa_key.pub",
}

// openStore and hostname are replaced in tests.
var (
	openStore = db.Open
	hostname  = os.Hostname
)

// services holds the backends a command needs. Close releases all of them.
type services struct {
	cfg     config.Config
	store   *db.Store
	closers []func()
}

func newServices(cfg config.Config) *services {
	return &services{cfg: cfg}
}

// Store opens the SQL database on first use. It backs the database
// directory and the run history.
func (s *services) Store() (*db.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	st, err := openStore(s.cfg.Database.Type, s.cfg.Database.Dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.store = st
	s.closers = append(s.closers, func() { _ = st.Close() })
	return st, nil
}

// Directory returns the configured directory client and, unless publishing
// is disabled, the matching publisher.
func (s *services) Directory() (directory.Client, directory.Publisher, error) {
	var (
		client directory.Client
		pub    directory.Publisher
	)
	switch s.cfg.Directory.Backend {
	case config.BackendDatabase, "":
		st, err := s.Store()
		if err != nil {
			return nil, nil, err
		}
		client, pub = st, st
	case config.BackendFile:
		if s.cfg.Directory.File == "" {
			return nil, nil, errors.New("directory.file must be set for the file backend")
		}
		inv := inventory.New(s.cfg.Directory.File)
		client, pub = inv, inv
	case config.BackendNATS:
		nc, err := natsdir.Connect(s.cfg.Directory.NatsURL, s.cfg.Directory.Timeout)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, nc.Close)
		c := &natsdir.Client{Conn: nc, Prefix: s.cfg.Directory.NatsSubjectPrefix, Timeout: s.cfg.Directory.Timeout}
		client, pub = c, c
	default:
		return nil, nil, fmt.Errorf("unknown directory backend %q", s.cfg.Directory.Backend)
	}
	if !s.cfg.Publish.Enabled {
		pub = nil
	}
	return client, pub, nil
}

// Close releases everything opened through s, newest first.
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	s.store = nil
}

// recordRun appends an entry to the run history. Failures are logged only.
func (s *services) recordRun(ctx context.Context, e db.RunEntry) {
	st, err := s.Store()
	if err != nil {
		logging.Warnf("run history unavailable: %v", err)
		return
	}
	if err := st.LogRun(ctx, e); err != nil {
		logging.Warnf("could not record run: %v", err)
	}
}

// localFor builds this node's resolver.Local from the configuration.
func localFor(cfg config.Config) (resolver.Local, error) {
	local := resolver.Local{
		Node:        cfg.Local.Node,
		Environment: cfg.Local.Environment,
		MemberUser:  cfg.Local.MemberUser,
		AccessName:  cfg.Local.AccessName,
		AdminUser:   cfg.Local.AdminUser,
	}
	if local.Node == "" {
		h, err := hostname()
		if err != nil {
			return local, fmt.Errorf("could not determine node name: %w", err)
		}
		local.Node = h
	}
	if local.AccessName == "" {
		local.AccessName = local.Node
	}
	key, err := readHostKey(cfg.Local.HostKeyFile)
	if err != nil {
		return local, err
	}
	local.HostKey = key
	return local, nil
}

// readHostKey returns the node's host public key in "type base64" form. An
// explicit path must exist; otherwise the standard locations are probed and
// a missing key yields "".
func readHostKey(path string) (string, error) {
	candidates := hostKeyFiles
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) && path == "" {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read host key: %w", err)
		}
		key, err := cryptossh.NormalizePublicKey(string(data))
		if err != nil {
			// keep unparsable keys verbatim, minus any comment
			fields := strings.Fields(string(data))
			if len(fields) < 2 {
				return "", fmt.Errorf("host key %s: %w", p, err)
			}
			key = fields[0] + " " + fields[1]
		}
		return key, nil
	}
	logging.Warnf("no host key found in %s", strings.Join(hostKeyFiles, ", "))
	return "", nil
}

// localFiles returns file access for accounts on this machine.
func localFiles(cfg config.Config) *fileaccess.Local {
	return fileaccess.NewLocal(cfg.Local.Homes)
}

// newRunner builds the SSH transport for the admin account. The identity
// comes from exec.identity_file or the admin's ~/.ssh; without one only the
// ssh agent is tried.
func newRunner(cfg config.Config, files resolver.FileAccess) (*deploy.Runner, error) {
	var identity security.Secret
	switch {
	case cfg.Exec.IdentityFile != "":
		id, err := security.ReadFile(cfg.Exec.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity: %w", err)
		}
		if id.Empty() {
			return nil, fmt.Errorf("identity file %s is missing or empty", cfg.Exec.IdentityFile)
		}
		identity = id
	case cfg.Local.AdminUser != "" && files != nil:
		for _, rel := range identityFiles {
			data, err := files.ReadFile(cfg.Local.AdminUser, rel)
			if err == nil {
				identity = security.FromBytes(data)
				break
			}
		}
	}

	r := deploy.NewRunner(identity)
	if cfg.Exec.Port != "" {
		r.Config.Port = cfg.Exec.Port
	}
	if !identity.Empty() && deploy.IdentityEncrypted(identity) {
		pass, err := readPassphrase()
		if err != nil {
			r.Close()
			return nil, err
		}
		r.Passphrase = pass
	}
	return r, nil
}

func readPassphrase() (security.Secret, error) {
	if v, ok := os.LookupEnv(passphraseEnv); ok {
		return security.FromString(v), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, deploy.ErrPassphraseRequired
	}
	fmt.Fprint(os.Stderr, i18n.T("identity.passphrase_prompt"))
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return security.FromBytes(b), nil
}
