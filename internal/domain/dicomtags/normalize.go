// Package dicomtags flattens imaging-server tag payloads into a string map
// keyed by DICOM keyword, plus the private slots used for tenant routing.
package dicomtags

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Private slots carrying the tenant identifiers, in priority order.
var (
	OrganizationSlots = []string{"0021,0010", "0043,0010"}
	LabSlots          = []string{"0021,0011", "0043,0011"}
)

// Keywords the pipeline reads.
const (
	PatientID              = "PatientID"
	PatientName            = "PatientName"
	PatientSex             = "PatientSex"
	PatientBirthDate       = "PatientBirthDate"
	StudyInstanceUID       = "StudyInstanceUID"
	AccessionNumber        = "AccessionNumber"
	StudyDescription       = "StudyDescription"
	StudyDate              = "StudyDate"
	ReferringPhysicianName = "ReferringPhysicianName"
	InstitutionName        = "InstitutionName"
	BodyPartExamined       = "BodyPartExamined"
	Modality               = "Modality"
	ModalitiesInStudy      = "ModalitiesInStudy"
)

var wellKnown = []tag.Tag{
	tag.PatientID,
	tag.PatientName,
	tag.PatientSex,
	tag.PatientBirthDate,
	tag.StudyInstanceUID,
	tag.AccessionNumber,
	tag.StudyDescription,
	tag.StudyDate,
	tag.ReferringPhysicianName,
	tag.InstitutionName,
	tag.BodyPartExamined,
	tag.Modality,
	tag.ModalitiesInStudy,
}

var (
	// "gggg,eeee" -> keyword
	keywordByKey = map[string]string{}
	knownKeyword = map[string]bool{}
	privateSlot  = map[string]bool{}
)

func init() {
	for _, t := range wellKnown {
		info, err := tag.Find(t)
		if err != nil {
			continue
		}
		keywordByKey[formatKey(t.Group, t.Element)] = info.Name
		knownKeyword[info.Name] = true
	}
	for _, k := range append(append([]string{}, OrganizationSlots...), LabSlots...) {
		privateSlot[k] = true
	}
}

// Tags is a normalized tag map.
type Tags map[string]string

func (t Tags) Get(key string) string { return t[key] }

// Normalize flattens raw into Tags. Keys may be keywords ("PatientID") or
// group/element pairs in any of the usual spellings ("0010,0020",
// "(0010,0020)", "00100020"). Values may be plain scalars, arrays, or
// wrapper objects of the form {"Name","Type","Value"}. Keys outside the
// well-known and private-slot sets are dropped.
//
// Keys are visited in sorted order and the first non-empty value for a
// field wins, so group/element keys take precedence over keywords.
func Normalize(raw map[string]any) Tags {
	out := make(Tags)
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		field, ok := resolveKey(k)
		if !ok {
			continue
		}
		if _, seen := out[field]; seen {
			continue
		}
		if v := flatten(raw[k]); v != "" {
			out[field] = v
		}
	}
	return out
}

// Merge returns a copy of base with any field missing from base taken from
// extra.
func Merge(base, extra Tags) Tags {
	out := make(Tags, len(base)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range base {
		out[k] = v
	}
	return out
}

func resolveKey(k string) (string, bool) {
	k = strings.TrimSpace(k)
	if knownKeyword[k] {
		return k, true
	}
	key, ok := canonicalKey(k)
	if !ok {
		return "", false
	}
	if kw, ok := keywordByKey[key]; ok {
		return kw, true
	}
	if privateSlot[key] {
		return key, true
	}
	return "", false
}

// canonicalKey turns the accepted group/element spellings into "gggg,eeee".
func canonicalKey(k string) (string, bool) {
	k = strings.TrimSuffix(strings.TrimPrefix(k, "("), ")")
	k = strings.ReplaceAll(k, ",", "")
	if len(k) != 8 {
		return "", false
	}
	group, err := strconv.ParseUint(k[:4], 16, 16)
	if err != nil {
		return "", false
	}
	elem, err := strconv.ParseUint(k[4:], 16, 16)
	if err != nil {
		return "", false
	}
	return formatKey(uint16(group), uint16(elem)), true
}

func formatKey(group, elem uint16) string {
	return fmt.Sprintf("%04x,%04x", group, elem)
}

func flatten(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimRight(strings.TrimSpace(val), "\x00")
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := flatten(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, `\`)
	case map[string]any:
		if t, _ := val["Type"].(string); t == "Sequence" {
			return ""
		}
		if inner, ok := val["Value"]; ok {
			return flatten(inner)
		}
		// DICOM JSON person name
		if alpha, ok := val["Alphabetic"]; ok {
			return flatten(alpha)
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}
