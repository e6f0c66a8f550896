package ledger

import "sort"

// =============================================================================
// KIND - Closed vocabulary of transaction directions
// =============================================================================

// Kind is the direction of a posting. Labels written in chat map onto it
// through an explicit synonym table; nothing else compares label strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindOutflow
	KindInflow
)

var kindSynonyms = map[string]Kind{
	"出账": KindOutflow,
	"支出": KindOutflow,
	"入账": KindInflow,
	"收入": KindInflow,
}

// ParseKind resolves a chat label to its Kind.
func ParseKind(label string) (Kind, bool) {
	k, ok := kindSynonyms[label]
	return k, ok
}

// KindLabels returns every accepted label, longest first so that
// alternations built from it never match a prefix of a longer label.
func KindLabels() []string {
	labels := make([]string, 0, len(kindSynonyms))
	for l := range kindSynonyms {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if len(labels[i]) != len(labels[j]) {
			return len(labels[i]) > len(labels[j])
		}
		return labels[i] < labels[j]
	})
	return labels
}

// Sign is -1 for outflow and +1 for inflow. Outflow is negative.
func (k Kind) Sign() int64 {
	switch k {
	case KindOutflow:
		return -1
	case KindInflow:
		return 1
	default:
		return 0
	}
}

func (k Kind) Valid() bool { return k == KindOutflow || k == KindInflow }

func (k Kind) String() string {
	switch k {
	case KindOutflow:
		return "outflow"
	case KindInflow:
		return "inflow"
	default:
		return "unknown"
	}
}

// KindFromString is the inverse of String, used by stores.
func KindFromString(s string) Kind {
	switch s {
	case "outflow":
		return KindOutflow
	case "inflow":
		return KindInflow
	default:
		return KindUnknown
	}
}
