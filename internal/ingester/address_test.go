package ingester

import "testing"

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", wantErr: true},
		{in: "nil", wantErr: true},
		{in: "<nil>", wantErr: true},
		{in: "null", wantErr: true},
		{in: "0x", wantErr: true},
		{in: "0x1e3c78c6d580273b", wantErr: true}, // Flow-length, not an EVM address
		{in: "not-an-address", wantErr: true},
		{in: "0xdeadbeef", wantErr: true}, // too short
		{
			in:   "0x52968e5e9c0f85ff20973212d7e51b8a7d65e26f",
			want: "0x52968e5e9c0f85ff20973212d7e51b8a7d65e26f",
		},
		{
			in:   "0x52968E5E9C0F85FF20973212D7E51B8A7D65E26F",
			want: "0x52968e5e9c0f85ff20973212d7e51b8a7d65e26f",
		},
		{
			in:   "52968e5e9c0f85ff20973212d7e51b8a7d65e26f",
			want: "0x52968e5e9c0f85ff20973212d7e51b8a7d65e26f",
		},
		{
			in:   "  0x52968e5e9c0f85ff20973212d7e51b8a7d65e26f  ",
			want: "0x52968e5e9c0f85ff20973212d7e51b8a7d65e26f",
		},
		{
			in:   "0x0000000000000000000000000000000000000000",
			want: "0x0000000000000000000000000000000000000000",
		},
	}

	for _, tc := range cases {
		got, err := NormalizeAddress(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("NormalizeAddress(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeAddress(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
