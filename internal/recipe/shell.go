package recipe

import (
	"bufio"
	"strconv"
	"strings"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
)

// ParseFast is the §9 "option (b)" fast path: a constrained evaluator
// covering the subset of APKBUILD shell used for read-only metadata
// (variable assignment, $var/${var} expansion, and the handful of array
// fields pmbootstrap cares about). It never spins up a chroot, and backs
// the aports catalog load (internal/catalog), where shelling out per
// recipe would dominate runtime. The build verb re-evaluates its target
// through Evaluate (option a) only when the native chroot is already
// mounted.
func ParseFast(contents string, dir string) (APKBUILD, error) {
	vars := make(map[string]string)
	arrays := make(map[string][]string)

	scanner := bufio.NewScanner(strings.NewReader(contents))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Stop at the first shell function definition; everything after
		// is build logic this evaluator doesn't attempt.
		if strings.Contains(line, "() {") {
			break
		}
		key, val, ok := splitAssignment(line)
		if !ok {
			continue
		}
		val = expandVars(val, vars)
		if isArrayField(key) {
			arrays[key] = splitShellWords(val)
		} else {
			vars[key] = val
		}
	}
	if err := scanner.Err(); err != nil {
		return APKBUILD{}, pmberrors.Wrap(err, pmberrors.KindIndexCorrupt, "scanning APKBUILD")
	}

	pkgname := vars["pkgname"]
	if pkgname == "" {
		return APKBUILD{}, pmberrors.New(pmberrors.KindIndexCorrupt, "APKBUILD missing pkgname")
	}
	pkgver := vars["pkgver"]
	if pkgver == "" {
		return APKBUILD{}, pmberrors.New(pmberrors.KindIndexCorrupt, "APKBUILD missing pkgver")
	}
	pkgrel := 0
	if r, ok := vars["pkgrel"]; ok {
		n, err := strconv.Atoi(r)
		if err != nil {
			return APKBUILD{}, pmberrors.Wrapf(err, pmberrors.KindIndexCorrupt, "invalid pkgrel %q", r)
		}
		pkgrel = n
	}

	a := APKBUILD{
		Pkgname:     pkgname,
		Pkgver:      pkgver,
		Pkgrel:      pkgrel,
		ArchList:    arrays["arch"],
		Depends:     arrays["depends"],
		MakeDepends: arrays["makedepends"],
		CheckDepends: arrays["checkdepends"],
		Provides:    arrays["provides"],
		Dir:         dir,
		Options:     Options{Check: true, Strip: true},
	}
	for _, opt := range arrays["options"] {
		switch opt {
		case "!check":
			a.Options.Check = false
		case "!strip":
			a.Options.Strip = false
		}
	}
	for _, sub := range arrays["subpackages"] {
		name, fn := splitSubpackageEntry(sub)
		a.Subpackages = append(a.Subpackages, Subpackage{Name: name, Function: fn})
	}
	return a, nil
}

var arrayFields = map[string]bool{
	"arch": true, "depends": true, "makedepends": true, "checkdepends": true,
	"provides": true, "options": true, "subpackages": true, "source": true,
}

func isArrayField(key string) bool { return arrayFields[key] }

// splitAssignment parses a "key=value" or "key=\"value\"" line, the only
// shell construct this fast path understands.
func splitAssignment(line string) (key, val string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i <= 0 {
		return "", "", false
	}
	key = line[:i]
	for _, c := range key {
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return "", "", false
		}
	}
	val = strings.TrimSpace(line[i+1:])
	val = strings.Trim(val, `"'`)
	return key, val, true
}

// expandVars performs $var and ${var} substitution against already-seen
// assignments, the one piece of "command substitution" this evaluator
// supports (plain variable expansion; no subshells, no arch_to_hostspec).
func expandVars(val string, vars map[string]string) string {
	var b strings.Builder
	i := 0
	for i < len(val) {
		if val[i] == '$' && i+1 < len(val) {
			if val[i+1] == '{' {
				end := strings.IndexByte(val[i:], '}')
				if end > 0 {
					name := val[i+2 : i+end]
					b.WriteString(vars[name])
					i += end + 1
					continue
				}
			} else {
				j := i + 1
				for j < len(val) && (val[j] == '_' || (val[j] >= 'a' && val[j] <= 'z') || (val[j] >= 'A' && val[j] <= 'Z') || (val[j] >= '0' && val[j] <= '9')) {
					j++
				}
				if j > i+1 {
					b.WriteString(vars[val[i+1:j]])
					i = j
					continue
				}
			}
		}
		b.WriteByte(val[i])
		i++
	}
	return b.String()
}

func splitShellWords(val string) []string {
	fields := strings.Fields(val)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.Trim(f, `"'`))
	}
	return out
}

func splitSubpackageEntry(entry string) (name, fn string) {
	parts := strings.SplitN(entry, ":", 2)
	name = parts[0]
	if len(parts) == 2 {
		fn = parts[1]
	} else {
		fn = name
	}
	return name, fn
}
