package solid

import (
	gopath "path"
	"strings"
)

// simplifyPath canonicalizes a path: forces it absolute, collapses runs of
// '/', resolves '.' and '..'. A '..' at the root stays at the root.
func simplifyPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return gopath.Clean(p)
}

// splitPath tokenizes a canonical path into components; the root is the
// empty token list.
func splitPath(p string) []string {
	p = simplifyPath(p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// directoryName the parent directory of p, canonicalized
func directoryName(p string) string {
	return gopath.Dir(simplifyPath(p))
}

// fileName the last component of p, canonicalized; "/" for the root
func fileName(p string) string {
	return gopath.Base(simplifyPath(p))
}

// pathInode resolves a path to an inode id, walking from the root.
func (fs *FileSystem) pathInode(p string) (INodeID, error) {
	cur := RootInode
	for _, component := range splitPath(p) {
		in, err := fs.im.readInode(cur)
		if err != nil {
			return 0, err
		}
		if !in.isDir() {
			return 0, ErrNotDirectory
		}
		d, err := fs.readDirectory(in)
		if err != nil {
			return 0, err
		}
		cur, err = d.GetEntry(component)
		if err != nil {
			return 0, err
		}
	}
	return cur, nil
}
