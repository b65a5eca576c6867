package profile_test

import (
	"testing"

	"github.com/corvidrobotics/ebpfcore/internal/profile"
)

func TestForKind_Embedded(t *testing.T) {
	limits, ok := profile.ForKind(profile.Embedded)
	if !ok {
		t.Fatal("ForKind(Embedded) ok = false")
	}
	if limits != profile.EmbeddedLimits {
		t.Errorf("limits = %+v, want %+v", limits, profile.EmbeddedLimits)
	}
}

func TestForKind_Cloud(t *testing.T) {
	limits, ok := profile.ForKind(profile.Cloud)
	if !ok {
		t.Fatal("ForKind(Cloud) ok = false")
	}
	if limits != profile.CloudLimits {
		t.Errorf("limits = %+v, want %+v", limits, profile.CloudLimits)
	}
}

func TestForKind_Unknown(t *testing.T) {
	_, ok := profile.ForKind(profile.Kind("unknown"))
	if ok {
		t.Error("ForKind(unknown) ok = true, want false")
	}
}

func TestEmbeddedLimits_StricterThanCloud(t *testing.T) {
	e, c := profile.EmbeddedLimits, profile.CloudLimits
	if e.MaxInstructions >= c.MaxInstructions {
		t.Error("embedded MaxInstructions should be smaller than cloud")
	}
	if e.MaxMapEntries >= c.MaxMapEntries {
		t.Error("embedded MaxMapEntries should be smaller than cloud")
	}
	if e.AllowMapResize {
		t.Error("embedded profile must not allow map resize")
	}
	if !c.AllowMapResize {
		t.Error("cloud profile should allow map resize")
	}
}
