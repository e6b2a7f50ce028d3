package config

import (
	"strings"
	"testing"
)

func validOptions() Options {
	return Options{
		BaseURL:    DefaultBaseURL,
		Token:      "secret",
		ProjectID:  "abc12",
		Mountpoint: "/mnt/rdm",
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{"valid single project", func(o *Options) {}, ""},
		{"valid all projects", func(o *Options) {
			o.ProjectID = ""
			o.AllProjects = true
		}, ""},
		{"missing mountpoint", func(o *Options) {
			o.Mountpoint = ""
		}, "mountpoint"},
		{"both project and all-projects", func(o *Options) {
			o.AllProjects = true
		}, "mutually exclusive"},
		{"neither project nor all-projects", func(o *Options) {
			o.ProjectID = ""
		}, "either -project or -all-projects"},
		{"missing token", func(o *Options) {
			o.Token = ""
		}, "no access token"},
		{"bad base URL", func(o *Options) {
			o.BaseURL = "not a url"
		}, "invalid base URL"},
		{"base URL without scheme", func(o *Options) {
			o.BaseURL = "api.rdm.nii.ac.jp/v2/"
		}, "invalid base URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOptions()
			tt.mutate(&o)
			err := o.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0644", 0o644, false},
		{"0755", 0o755, false},
		{"0400", 0o400, false},
		{"644", 0, true},
		{"0o644", 0, true},
		{"0999", 0, true},
		{"", 0, true},
		{"rw-r--r--", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMode(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMode(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %o, want %o", tt.in, got, tt.want)
		}
	}
}

func TestResolveOwnerNumeric(t *testing.T) {
	uid, err := ResolveOwner("1234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != 1234 {
		t.Errorf("ResolveOwner(1234) = %d", uid)
	}

	if _, err := ResolveOwner("no-such-user-zzz"); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestResolveGroupNumeric(t *testing.T) {
	gid, err := ResolveGroup("4321")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gid != 4321 {
		t.Errorf("ResolveGroup(4321) = %d", gid)
	}
}

func TestParseS3Direct(t *testing.T) {
	t.Setenv("AWS_REGION", "ap-northeast-1")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIATEST")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")

	out, err := ParseS3Direct([]string{
		"s3=my-bucket",
		"minio=data@https://minio.example.org:9000",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(out))
	}

	plain := out["s3"]
	if plain.Bucket != "my-bucket" || plain.Endpoint != "" {
		t.Errorf("s3 mapping = %+v", plain)
	}
	if plain.Region != "ap-northeast-1" || plain.AccessKey != "AKIATEST" || plain.SecretKey != "secret" {
		t.Errorf("s3 mapping credentials = %+v", plain)
	}

	minio := out["minio"]
	if minio.Bucket != "data" || minio.Endpoint != "https://minio.example.org:9000" {
		t.Errorf("minio mapping = %+v", minio)
	}
}

func TestParseS3Direct_Errors(t *testing.T) {
	tests := []struct {
		name   string
		values []string
	}{
		{"no equals", []string{"s3-my-bucket"}},
		{"empty provider", []string{"=bucket"}},
		{"empty bucket", []string{"s3="}},
		{"empty bucket with endpoint", []string{"s3=@host"}},
		{"duplicate provider", []string{"s3=a", "s3=b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseS3Direct(tt.values); err == nil {
				t.Errorf("ParseS3Direct(%v): expected error", tt.values)
			}
		})
	}
}

func TestParseS3Direct_Empty(t *testing.T) {
	out, err := ParseS3Direct(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Errorf("expected nil map, got %v", out)
	}
}
