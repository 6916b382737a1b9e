package tftpserver

import "testing"

func TestResolveRejectsEscape(t *testing.T) {
	s := &Server{root: "/tmp/wright-root"}

	cases := []struct {
		name    string
		wantErr bool
	}{
		{"image.bin", false},
		{"sub/image.bin", false},
		{"../escape.bin", true},
		{"../../etc/passwd", true},
		{"/etc/passwd", false}, // absolute paths are rooted under s.root, not passed through
	}

	for _, c := range cases {
		_, err := s.resolve(c.name)
		if (err != nil) != c.wantErr {
			t.Errorf("resolve(%q): err=%v, wantErr=%v", c.name, err, c.wantErr)
		}
	}
}
