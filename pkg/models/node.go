package models

import (
	"encoding/hex"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/sha3"
)

// NodeType is the kind of filesystem entry visited by a scan
type NodeType uint8

const (
	NodeUnknown  NodeType = iota
	NodeFile              // Regular file
	NodeDir               // Directory
	NodeLinkFile          // Symlink resolved to a file
	NodeLinkDir           // Symlink resolved to a directory
	NodeSymlink           // Symlink stored as a link, not followed
)

func (t NodeType) String() string {
	switch t {
	case NodeFile:
		return "file"
	case NodeDir:
		return "dir"
	case NodeLinkFile:
		return "link-file"
	case NodeLinkDir:
		return "link-dir"
	case NodeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// IsDir reports whether the node is walked as a directory
func (t NodeType) IsDir() bool {
	return t == NodeDir || t == NodeLinkDir
}

// IsFile reports whether the node carries file content
func (t NodeType) IsFile() bool {
	return t == NodeFile || t == NodeLinkFile
}

// ScanNodeInfo represents one filesystem entry encountered during a scan
type ScanNodeInfo struct {
	Path         string      // Absolute path as visited (through links)
	RelPath      string      // Slash-separated path relative to the scan base
	Type         NodeType    // Entry kind
	Size         int64       // File size, or aggregate of descendants for dirs
	NodeCount    int64       // Files and dirs under this node, inclusive
	ModTime      time.Time   // Modification time
	ChangeTime   time.Time   // Change time (inode)
	Mode         os.FileMode // Permission bits
	LinkTarget   string      // Raw link target for symlinks
	IsCyclicLink bool        // Link resolves into its own ancestry, not descended
	Unreadable   bool        // Stat or readdir failed
	Depth        int         // 0 for roots

	hash string
}

// ContentHash returns the hex SHA3-256 digest of a file's content.
// The digest is computed on first use and cached.
func (n *ScanNodeInfo) ContentHash() (string, error) {
	if n.hash != "" || !n.Type.IsFile() {
		return n.hash, nil
	}

	fd, err := os.Open(n.Path)
	if err != nil {
		return "", err
	}
	defer fd.Close()

	h := sha3.New256()
	if _, err := io.Copy(h, fd); err != nil {
		return "", err
	}
	n.hash = hex.EncodeToString(h.Sum(nil))
	return n.hash, nil
}
