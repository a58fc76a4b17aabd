package l3measurements

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/cmu-spacecraft-design-build-fly-2023/FSW-Jetson/internal/vaod"
)

var catalogHeader = []string{"id", "name", "ra", "dec", "mag"}

// Star is one catalog entry.
type Star struct {
	ID        int
	Name      string
	RA, Dec   float64 // degrees, J2000
	Mag       float64
	Direction vaod.Vec3 // unit ECI
}

// Label is the association label used in measurements.
func (s Star) Label() string { return "HIP" + strconv.Itoa(s.ID) }

// StarDirection converts right ascension and declination in degrees to a
// unit ECI vector.
func StarDirection(raDeg, decDeg float64) vaod.Vec3 {
	ra, dec := raDeg*math.Pi/180, decDeg*math.Pi/180
	return vaod.Vec3{math.Cos(dec) * math.Cos(ra), math.Cos(dec) * math.Sin(ra), math.Sin(dec)}
}

// Catalog is an immutable star list with a pair-angle index for
// lost-in-space identification.
type Catalog struct {
	stars []Star
	pairs []starPair // sorted by angle
	// maxPairAngle bounds the pair index; pairs wider than any field of view
	// are never observed.
	maxPairAngle float64
}

type starPair struct {
	angle float64
	a, b  int
}

// NewCatalog indexes stars. maxPairAngle (rad) bounds the pair index and
// should cover the widest camera field.
func NewCatalog(stars []Star, maxPairAngle float64) (*Catalog, error) {
	if len(stars) == 0 {
		return nil, errors.New("empty star catalog")
	}
	seen := make(map[int]bool, len(stars))
	c := &Catalog{stars: make([]Star, len(stars)), maxPairAngle: maxPairAngle}
	for i, s := range stars {
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate catalog id %d", s.ID)
		}
		seen[s.ID] = true
		if s.Direction.NormSquared() == 0 {
			s.Direction = StarDirection(s.RA, s.Dec)
		}
		s.Direction = s.Direction.Unit()
		c.stars[i] = s
	}
	for i := range c.stars {
		for j := i + 1; j < len(c.stars); j++ {
			ang := c.stars[i].Direction.AngleTo(c.stars[j].Direction)
			if ang <= maxPairAngle {
				c.pairs = append(c.pairs, starPair{angle: ang, a: i, b: j})
			}
		}
	}
	sort.Slice(c.pairs, func(i, j int) bool { return c.pairs[i].angle < c.pairs[j].angle })
	return c, nil
}

// LoadCatalog reads a CSV catalog with header id,name,ra,dec,mag.
func LoadCatalog(path string, maxPairAngle float64) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	stars, err := ParseCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewCatalog(stars, maxPairAngle)
}

// ParseCatalog decodes catalog CSV. Blank lines and lines starting with #
// are skipped.
func ParseCatalog(r io.Reader) ([]Star, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = len(catalogHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read catalog header: %w", err)
	}
	for i, h := range catalogHeader {
		if !strings.EqualFold(strings.TrimSpace(header[i]), h) {
			return nil, fmt.Errorf("catalog header column %d is %q, want %q", i, header[i], h)
		}
	}

	var stars []Star
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		s, err := parseStar(rec)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		stars = append(stars, s)
	}
	return stars, nil
}

func parseStar(rec []string) (Star, error) {
	id, err := strconv.Atoi(rec[0])
	if err != nil {
		return Star{}, fmt.Errorf("id: %w", err)
	}
	var vals [3]float64
	for i, field := range rec[2:] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return Star{}, fmt.Errorf("%s: %w", catalogHeader[i+2], err)
		}
		vals[i] = v
	}
	ra, dec, mag := vals[0], vals[1], vals[2]
	if ra < 0 || ra >= 360 || dec < -90 || dec > 90 {
		return Star{}, fmt.Errorf("ra/dec out of range: %g, %g", ra, dec)
	}
	return Star{ID: id, Name: rec[1], RA: ra, Dec: dec, Mag: mag, Direction: StarDirection(ra, dec)}, nil
}

// Len returns the number of stars.
func (c *Catalog) Len() int { return len(c.stars) }

// Star returns entry i.
func (c *Catalog) Star(i int) Star { return c.stars[i] }

// InCone returns the indices of stars within halfAngle of dir.
func (c *Catalog) InCone(dir vaod.Vec3, halfAngle float64) []int {
	cosLimit := math.Cos(halfAngle)
	dir = dir.Unit()
	var out []int
	for i, s := range c.stars {
		if s.Direction.Dot(dir) >= cosLimit {
			out = append(out, i)
		}
	}
	return out
}

// pairsNear returns the index pairs whose separation is within tol of angle.
func (c *Catalog) pairsNear(angle, tol float64) []starPair {
	lo := sort.Search(len(c.pairs), func(i int) bool { return c.pairs[i].angle >= angle-tol })
	hi := sort.Search(len(c.pairs), func(i int) bool { return c.pairs[i].angle > angle+tol })
	return c.pairs[lo:hi]
}
