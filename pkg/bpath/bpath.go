// Package bpath canonicalizes filesystem paths the way lookup() needs: it
// collapses "." components, resolves ".." against the path string itself
// (the VFS layer separately resolves ".." against the mount graph when the
// path walk reaches an actual mount root — see pkg/vfs), and collapses
// repeated/trailing slashes. It is grounded on the call site in the
// teacher's fd.Cwd_t.Canonicalpath (biscuit/src/fd/fd.go), whose own bpath
// package was an empty placeholder in the retrieved slice.
package bpath

import "github.com/armpi/kernel/pkg/ustr"

// Canonicalize returns p with "." components removed, ".." components
// collapsed against the preceding component (but never above "/"), and
// redundant slashes collapsed. The result always begins with "/" when p
// does.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	abs := p.IsAbsolute()
	comps := Split(p)
	out := make([]ustr.Ustr, 0, len(comps))
	for _, c := range comps {
		switch {
		case len(c) == 0 || c.Isdot():
			continue
		case c.Isdotdot():
			if len(out) > 0 && !out[len(out)-1].Isdotdot() {
				out = out[:len(out)-1]
			} else if !abs {
				out = append(out, c)
			}
		default:
			out = append(out, c)
		}
	}
	ret := ustr.MkUstr()
	if abs {
		ret = append(ret, '/')
	}
	for i, c := range out {
		if i > 0 {
			ret = append(ret, '/')
		}
		ret = append(ret, c...)
	}
	if len(ret) == 0 {
		ret = ustr.MkUstrDot()
	}
	return ret
}

// Split breaks a path into its non-empty components.
func Split(p ustr.Ustr) []ustr.Ustr {
	var comps []ustr.Ustr
	start := -1
	for i := 0; i <= len(p); i++ {
		if i < len(p) && p[i] != '/' {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			comps = append(comps, p[start:i])
			start = -1
		}
	}
	return comps
}

// Dir returns all but the last component of p (the "parent"); Base returns
// the final component. Used by lookup's LOOKUP_PARENT mode.
func Dir(p ustr.Ustr) ustr.Ustr {
	comps := Split(Canonicalize(p))
	if len(comps) <= 1 {
		return ustr.MkUstrRoot()
	}
	ret := ustr.MkUstr()
	if p.IsAbsolute() {
		ret = append(ret, '/')
	}
	for i, c := range comps[:len(comps)-1] {
		if i > 0 {
			ret = append(ret, '/')
		}
		ret = append(ret, c...)
	}
	return ret
}

// Base returns the final path component.
func Base(p ustr.Ustr) ustr.Ustr {
	comps := Split(p)
	if len(comps) == 0 {
		return ustr.MkUstrRoot()
	}
	return comps[len(comps)-1]
}
