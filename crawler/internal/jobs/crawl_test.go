package jobs

import "testing"

func TestCrawlAllows(t *testing.T) {
	c := &Crawl{Include: []string{"/code/*", "/code/*/*"}, Exclude: []string{"/code/draft*"}}
	cases := map[string]bool{
		"https://city.example/code/8":          true,
		"https://city.example/code/8/3":        true,
		"https://city.example/code/8/3/1":      false,
		"https://city.example/code/draft-2026": false,
		"https://city.example/news/1":          false,
		"https://city.example/code/8?page=2":   true,
		"::bad":                                false,
	}
	for u, want := range cases {
		if got := c.allows(u); got != want {
			t.Errorf("allows(%q) = %v, want %v", u, got, want)
		}
	}

	all := &Crawl{Exclude: []string{"/private/*"}}
	if !all.allows("https://city.example/") || all.allows("https://city.example/private/x") {
		t.Fatal("empty include must allow everything not excluded")
	}
}

func TestCrawlValidate(t *testing.T) {
	if err := (&Crawl{MaxDepth: 2, Include: []string{"/a/*"}}).validate(3); err != nil {
		t.Fatal(err)
	}
	for name, c := range map[string]*Crawl{
		"too deep": {MaxDepth: 4},
		"negative": {MaxDepth: -1},
		"bad glob": {Exclude: []string{"["}},
	} {
		if err := c.validate(3); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}
