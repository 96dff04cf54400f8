package scan

// TierName identifies a priority tier. Tiers scan in declaration order so
// the ports most likely to matter produce results first.
type TierName string

const (
	TierCritical TierName = "critical"
	TierHigh     TierName = "high"
	TierMedium   TierName = "medium"
	TierLow      TierName = "low"
)

// TierOrder is the fixed iteration order for scanning.
var TierOrder = []TierName{TierCritical, TierHigh, TierMedium, TierLow}

// criticalPorts are the services attackers probe first: remote access,
// mail, web, and the big databases.
var criticalPorts = map[int]bool{
	21: true, 22: true, 23: true, 25: true, 80: true, 443: true,
	445: true, 1433: true, 3306: true, 3389: true, 5432: true,
	5900: true, 8080: true, 8443: true,
}

// highPorts are commonly exposed infrastructure and alternate service ports.
var highPorts = map[int]bool{
	53: true, 110: true, 111: true, 135: true, 139: true, 143: true,
	161: true, 389: true, 465: true, 587: true, 636: true, 993: true,
	995: true, 1521: true, 2049: true, 2181: true, 27017: true,
	5000: true, 5601: true, 6379: true, 8000: true, 8888: true,
	9090: true, 9200: true, 11211: true,
}

// mediumPorts are less common but still recognizable application ports.
var mediumPorts = map[int]bool{
	79: true, 88: true, 113: true, 119: true, 179: true, 427: true,
	500: true, 512: true, 513: true, 514: true, 515: true, 548: true,
	631: true, 873: true, 990: true, 1080: true, 1723: true, 3128: true,
	4444: true, 5060: true, 5222: true, 5672: true, 5984: true,
	6000: true, 6667: true, 7001: true, 8081: true, 8444: true,
	9000: true, 9418: true, 10000: true,
}

// Tiers is the partition of a PortSet into priority buckets. The buckets
// are disjoint and their union is exactly the original set; numeric order
// is preserved within each bucket.
type Tiers struct {
	Critical []int
	High     []int
	Medium   []int
	Low      []int
}

// Partition splits the set into the four tiers.
func Partition(ps *PortSet) Tiers {
	var t Tiers
	for _, p := range ps.Ports() {
		switch {
		case criticalPorts[p]:
			t.Critical = append(t.Critical, p)
		case highPorts[p]:
			t.High = append(t.High, p)
		case mediumPorts[p]:
			t.Medium = append(t.Medium, p)
		default:
			t.Low = append(t.Low, p)
		}
	}
	return t
}

// Get returns the bucket for a tier name.
func (t Tiers) Get(name TierName) []int {
	switch name {
	case TierCritical:
		return t.Critical
	case TierHigh:
		return t.High
	case TierMedium:
		return t.Medium
	default:
		return t.Low
	}
}

// Total returns the number of ports across all tiers.
func (t Tiers) Total() int {
	return len(t.Critical) + len(t.High) + len(t.Medium) + len(t.Low)
}
