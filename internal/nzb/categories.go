package nzb

// CategoryName maps a Newznab category ID to its human-readable label,
// used for the category_label field of search documents.
func CategoryName(id int) string {
	mapping := map[int]string{
		2000: "Movies",
		2030: "Movies > SD",
		2040: "Movies > HD",
		2050: "Movies > BluRay",
		3000: "Audio",
		5000: "TV",
		5030: "TV > SD",
		5040: "TV > HD",
		5060: "TV > Sport",
		6000: "XXX",
		7000: "Other",
		7020: "Books",
		7030: "Books > Comics",
	}
	if name, ok := mapping[id]; ok {
		return name
	}
	return "Other"
}
