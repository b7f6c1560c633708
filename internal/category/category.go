// Package category implements CategoryInferencer: a pure, total function
// from a subject/tag-set/group triple to a Newznab category ID.
package category

import (
	"regexp"
	"strings"
)

// Newznab category IDs.
const (
	Movies      = 2000
	MovieSD     = 2030
	MovieHD     = 2040
	MovieBluRay = 2050
	TV          = 5000
	TVSD        = 5030
	TVHD        = 5040
	TVSport     = 5060
	Audio       = 3000
	Books       = 7020
	Comics      = 7030
	Adult       = 6000
	Other       = 7000
)

var groupKeywords = []struct {
	substr string
	id     int
}{
	{"alt.binaries.movies", Movies},
	{"alt.binaries.hdtv", TV},
	{"alt.binaries.tv", TV},
	{"alt.binaries.teevee", TV},
	{"alt.binaries.sounds", Audio},
	{"alt.binaries.music", Audio},
	{"alt.binaries.audio", Audio},
	{"alt.binaries.ebook", Books},
	{"alt.binaries.comics", Comics},
	{"alt.binaries.erotica", Adult},
	{"alt.binaries.boneless", Adult},
	{"alt.binaries.multimedia.xxx", Adult},
}

// tagCategories maps explicit Newznab-style tags directly onto a category.
var tagCategories = map[string]int{
	"movies": Movies,
	"movie":  Movies,
	"tv":     TV,
	"audio":  Audio,
	"music":  Audio, // spec's Open Question: music is treated as an audio alias
	"ebook":  Books,
	"books":  Books,
	"comic":  Comics,
	"comics": Comics,
	"xxx":    Adult,
}

var (
	episodeRe  = regexp.MustCompile(`(?i)\bs\d{1,2}e\d{1,2}\b`)
	hdRe       = regexp.MustCompile(`(?i)\b(1080p|720p|2160p|4k)\b`)
	sdRe       = regexp.MustCompile(`(?i)\b(xvid|dvdrip)\b`)
	sportRe    = regexp.MustCompile(`(?i)\bsport(s)?\b`)
	movieRe    = regexp.MustCompile(`(?i)\b(bluray|3d|hdrip|webrip|dvdrip|xvid|cam)\b`)
	blurayRe   = regexp.MustCompile(`(?i)\bblu-?ray\b`)
	audioRe    = regexp.MustCompile(`(?i)\b(flac|mp3|aac|audiobook)\b`)
	ebookRe    = regexp.MustCompile(`(?i)\b(epub|mobi|pdf)\b`)
	comicRe    = regexp.MustCompile(`(?i)\b(cbz|cbr|comic)\b`)
	adultRe    = regexp.MustCompile(`(?i)\b(xxx|porn|studio|onlyfans)\b`)
)

// Infer resolves a category ID from subject, tags and the source group,
// following a four-step resolution order. A group match only settles the
// broad family (movies, TV, ...); subject keywords still refine that
// family down to its quality-specific sub-category when they agree on
// the same family. It never fails: unmatched input falls through to
// Other.
func Infer(subject string, tags []string, group string) int {
	if id, ok := byGroup(group); ok {
		if refined, ok := byKeyword(subject); ok && sameFamily(refined, id) {
			return refined
		}
		return id
	}
	if id, ok := byTag(tags); ok {
		return id
	}
	if id, ok := byKeyword(subject); ok {
		return id
	}
	return Other
}

// sameFamily reports whether two category IDs belong to the same
// thousands-range family (2000s movies, 5000s TV, ...).
func sameFamily(a, b int) bool {
	return a/1000 == b/1000
}

func byGroup(group string) (int, bool) {
	lower := strings.ToLower(group)
	for _, g := range groupKeywords {
		if strings.Contains(lower, g.substr) {
			return g.id, true
		}
	}
	return 0, false
}

func byTag(tags []string) (int, bool) {
	for _, t := range tags {
		if id, ok := tagCategories[strings.ToLower(t)]; ok {
			return id, true
		}
	}
	return 0, false
}

func byKeyword(subject string) (int, bool) {
	switch {
	case episodeRe.MatchString(subject):
		switch {
		case hdRe.MatchString(subject):
			return TVHD, true
		case sdRe.MatchString(subject):
			return TVSD, true
		case sportRe.MatchString(subject):
			return TVSport, true
		default:
			return TV, true
		}
	case sportRe.MatchString(subject):
		return TVSport, true
	case movieRe.MatchString(subject):
		switch {
		case blurayRe.MatchString(subject):
			return MovieBluRay, true
		case hdRe.MatchString(subject):
			return MovieHD, true
		default:
			return MovieSD, true
		}
	case audioRe.MatchString(subject):
		return Audio, true
	case ebookRe.MatchString(subject):
		return Books, true
	case comicRe.MatchString(subject):
		return Comics, true
	case adultRe.MatchString(subject):
		return Adult, true
	default:
		return 0, false
	}
}
