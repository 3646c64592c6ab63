package patient

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Name is a person name split into its components.
type Name struct {
	Raw       string
	Display   string
	First     string
	Last      string
	Middle    string
	Prefix    string
	Suffix    string
	Anonymous bool
}

// Separators counts "^" in a raw name. Fewer means more humanized.
func Separators(raw string) int {
	return strings.Count(raw, "^")
}

// ParseName splits a DICOM person name (family^given^middle^prefix^suffix).
// A name without "^" is treated as already formatted "Given [Middle] Family".
// Empty names, names made only of separators, and the placeholder become
// "Anonymous Patient".
func ParseName(raw, placeholder string) Name {
	raw = strings.TrimSpace(raw)
	n := Name{Raw: raw}
	if isAnonymous(raw, placeholder) {
		n.Display = AnonymousName
		n.Anonymous = true
		return n
	}

	if !strings.Contains(raw, "^") {
		fields := strings.Fields(raw)
		n.Display = strings.Join(fields, " ")
		n.First = fields[0]
		if len(fields) > 1 {
			n.Last = fields[len(fields)-1]
			n.Middle = strings.Join(fields[1:len(fields)-1], " ")
		}
		return n
	}

	parts := strings.SplitN(raw, "^", 5)
	for len(parts) < 5 {
		parts = append(parts, "")
	}
	for i := range parts {
		parts[i] = strings.Join(strings.Fields(parts[i]), " ")
	}
	n.Last, n.First, n.Middle, n.Prefix, n.Suffix = parts[0], parts[1], parts[2], parts[3], parts[4]

	var display []string
	for _, p := range []string{n.Prefix, n.First, n.Middle, n.Last, n.Suffix} {
		if p != "" {
			display = append(display, p)
		}
	}
	n.Display = strings.Join(display, " ")
	return n
}

func isAnonymous(raw, placeholder string) bool {
	if strings.Trim(raw, "^ ") == "" {
		return true
	}
	switch strings.ToUpper(raw) {
	case "ANONYMOUS", "UNKNOWN", strings.ToUpper(AnonymousName):
		return true
	}
	return placeholder != "" && strings.EqualFold(raw, placeholder)
}

// NormalizeSex maps DICOM PatientSex to M, F or O.
func NormalizeSex(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "M", "MALE":
		return "M"
	case "F", "FEMALE":
		return "F"
	default:
		return "O"
	}
}

var nonKeyChars = regexp.MustCompile(`[^A-Z0-9]+`)

// MaxMRNLength matches the patient.mrn column.
const MaxMRNLength = 128

// NaturalKey picks the MRN for a patient: the PatientID when present, a
// name-derived key when only the name is known, else UNKNOWN_PATIENT.
// Keys longer than MaxMRNLength are cut and suffixed with a digest of the
// full key, so distinct long keys stay distinct.
func NaturalKey(patientID string, name Name) string {
	if id := strings.TrimSpace(patientID); id != "" {
		return boundKey(id)
	}
	if name.Anonymous {
		return UnknownPatientMRN
	}
	key := strings.Trim(nonKeyChars.ReplaceAllString(strings.ToUpper(name.Raw), "_"), "_")
	if key == "" {
		return UnknownPatientMRN
	}
	return boundKey(NoIDPrefix + key)
}

func boundKey(key string) string {
	if len(key) <= MaxMRNLength {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:8])
	head := strings.ToValidUTF8(key[:MaxMRNLength-len(digest)-1], "")
	return head + "-" + digest
}
