package pathutil

import "testing"

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean", "My Show", "My Show"},
		{"forbidden chars", `Re:Zero <2016> a/b\c|d?e*f"g`, "ReZero 2016 abcdefg"},
		{"whitespace collapse", "A   B\t C", "A B C"},
		{"leading trailing", "  Name  ", "Name"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeName(tt.in); got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeNameIsClosed(t *testing.T) {
	inputs := []string{`a<b>c`, "x: y", `w|e?r*d`, "plain name", "  spaced   out  "}
	for _, in := range inputs {
		once := SanitizeName(in)
		twice := SanitizeName(once)
		if once != twice {
			t.Errorf("SanitizeName not idempotent for %q: %q != %q", in, once, twice)
		}
		for _, r := range once {
			for _, f := range forbidden {
				if r == f {
					t.Errorf("forbidden character %q in output %q", r, once)
				}
			}
		}
	}
}

func TestEpisodeNumber(t *testing.T) {
	tests := []struct {
		in    string
		want  int
		match bool
	}{
		{"One Piece - Episode 1071.mp4", 1071, true},
		{"/root/anime/X/X - episode 3.mp4", 3, true},
		{"Show - EPISODE 12.mp4", 12, true},
		{"Show - Episode 12.mkv", 0, false},
		{"Show S01E02.mp4", 0, false},
		{"folder.jpg", 0, false},
	}

	for _, tt := range tests {
		got, ok := EpisodeNumber(tt.in)
		if ok != tt.match || got != tt.want {
			t.Errorf("EpisodeNumber(%q) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.match)
		}
	}
}
