package payload

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/google/uuid"
)

var (
	firstNames = []string{"Ada", "Alan", "Grace", "Linus", "Margaret", "Dennis", "Barbara", "Ken", "Frances", "Edsger"}
	lastNames  = []string{"Lovelace", "Turing", "Hopper", "Torvalds", "Hamilton", "Ritchie", "Liskov", "Thompson", "Allen", "Dijkstra"}
	companies  = []string{"Contoso", "Fabrikam", "Northwind", "Tailspin", "Litware", "Adatum", "Woodgrove", "Proseware"}
	cities     = []string{"Seattle", "Dublin", "Shanghai", "Sydney", "Berlin", "Toronto", "Nairobi", "Lima"}
	countries  = []string{"United States", "Ireland", "China", "Australia", "Germany", "Canada", "Kenya", "Peru"}
	loremWords = strings.Fields("lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua")
)

// funcMap is the Sprig function map extended with helpers named after the dummy-json
// ones the simulator form documents. The simulator helpers win on name clashes.
func funcMap() template.FuncMap {
	fm := sprig.TxtFuncMap()
	for name, fn := range (template.FuncMap{
		"int":       randomInt,
		"float":     randomFloat,
		"boolean":   func() bool { return rand.IntN(2) == 1 },
		"guid":      uuid.NewString,
		"date":      randomDate,
		"firstName": func() string { return pick(firstNames) },
		"lastName":  func() string { return pick(lastNames) },
		"company":   func() string { return pick(companies) },
		"city":      func() string { return pick(cities) },
		"country":   func() string { return pick(countries) },
		"email":     randomEmail,
		"lat":       func() float64 { return round(rand.Float64()*180-90, 6) },
		"long":      func() float64 { return round(rand.Float64()*360-180, 6) },
		"ipv4":      randomIPv4,
		"hexColor":  func() string { return fmt.Sprintf("#%06x", rand.IntN(0x1000000)) },
		"random":    func(choices ...string) string { return pick(choices) },
		"repeat":    repeat,
		"lorem":     lorem,
	}) {
		fm[name] = fn
	}
	return fm
}

func randomInt(lo, hi int) (int, error) {
	if hi < lo {
		return 0, fmt.Errorf("int: max %d is below min %d", hi, lo)
	}
	return lo + rand.IntN(hi-lo+1), nil
}

func randomFloat(lo, hi float64) (float64, error) {
	if hi < lo {
		return 0, fmt.Errorf("float: max %g is below min %g", hi, lo)
	}
	return round(lo+rand.Float64()*(hi-lo), 2), nil
}

// randomDate returns an RFC 3339 timestamp within the last year.
func randomDate() string {
	offset := time.Duration(rand.Int64N(int64(365 * 24 * time.Hour)))
	return time.Now().UTC().Add(-offset).Format(time.RFC3339)
}

func randomEmail() string {
	return strings.ToLower(fmt.Sprintf("%s.%s@%s.com", pick(firstNames), pick(lastNames), pick(companies)))
}

func randomIPv4() string {
	return fmt.Sprintf("%d.%d.%d.%d", 1+rand.IntN(223), rand.IntN(256), rand.IntN(256), 1+rand.IntN(254))
}

func repeat(n int) []int {
	if n < 0 {
		n = 0
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func lorem(words int) string {
	out := make([]string, 0, words)
	for i := 0; i < words; i++ {
		out = append(out, pick(loremWords))
	}
	return strings.Join(out, " ")
}

func pick(choices []string) string {
	if len(choices) == 0 {
		return ""
	}
	return choices[rand.IntN(len(choices))]
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
