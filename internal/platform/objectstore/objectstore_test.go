package objectstore

import "testing"

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "mlflow-artifacts",
		Prefix:    "runs",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}

	invalid = valid
	invalid.Bucket = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for empty bucket")
	}
}

func TestStoreKeyAndURI(t *testing.T) {
	s := NewStore(nil, Config{Bucket: "mlflow-artifacts", Prefix: "/runs/"})
	key := s.Key("abc123", "artifacts", "model.bin")
	if key != "runs/abc123/artifacts/model.bin" {
		t.Fatalf("Key()=%q", key)
	}
	if got := s.URI(s.Key("abc123", "artifacts")); got != "s3://mlflow-artifacts/runs/abc123/artifacts" {
		t.Fatalf("URI()=%q", got)
	}
}
