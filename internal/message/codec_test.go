package message

import (
	"reflect"
	"testing"
)

func TestCodecInitiateTask(t *testing.T) {
	in := &InitiateTask{
		Base:          Base{Src: MakeSiteID(0, 1)},
		InitiatorID:   MakeSiteID(0, 7),
		CoordinatorID: MakeSiteID(0, 1),
		TruncHandle:   42,
		TxnID:         100,
		UniqueID:      555,
		SpHandle:      100,
		ReadOnly:      false,
		SinglePart:    true,
		ReplicaCopy:   true,
		Procedure:     "AddCustomer",
		Invocation:    []byte(`{"id":9}`),
		CIHandle:      3,
		ConnID:        12,
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", got, in)
	}
}

func TestCodecFragmentWithEmbeddedInitiate(t *testing.T) {
	in := &FragmentTask{
		Base:               Base{Src: MakeSiteID(1, 0)},
		InitiatorID:        MakeSiteID(1, 0),
		CoordinatorID:      MakeSiteID(9, 0),
		TxnID:              -5000,
		UniqueID:           777,
		SpHandle:           900,
		InvolvedPartitions: []int32{0, 3, 7},
		TaskType:           FragSysProc,
		Final:              true,
		Initiate: &InitiateTask{
			TxnID:      -5000,
			UniqueID:   777,
			Procedure:  "@UpdateCore",
			Invocation: []byte("x"),
		},
		Fragment: []byte{0xde, 0xad},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("roundtrip mismatch:\n got %+v\nwant %+v", got, in)
	}
}

func TestCodecResponseHashes(t *testing.T) {
	in := &InitiateResponse{
		InitiatorID: MakeSiteID(0, 7),
		TxnID:       100,
		SpHandle:    100,
		Status:      StatusSuccess,
		Results:     []byte("ok"),
		Hashes:      []uint64{0xABCD, 0x1234},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	resp, ok := got.(*InitiateResponse)
	if !ok {
		t.Fatalf("got %T, want *InitiateResponse", got)
	}
	if !reflect.DeepEqual(resp.Hashes, in.Hashes) {
		t.Errorf("hashes = %v, want %v", resp.Hashes, in.Hashes)
	}
	if !resp.Succeeded() {
		t.Error("Succeeded() = false, want true")
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte("XX")); err == nil {
		t.Error("expected error for short input")
	}
	if _, err := Unmarshal([]byte("XYZ\x01")); err == nil {
		t.Error("expected error for bad prefix")
	}
	data, _ := Marshal(&Dump{})
	if _, err := Unmarshal(data[:len(data)-1]); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestSiteIDPacking(t *testing.T) {
	id := MakeSiteID(3, 12)
	if id.HostID() != 3 || id.SiteIndex() != 12 {
		t.Errorf("MakeSiteID(3,12) unpacked to %d:%d", id.HostID(), id.SiteIndex())
	}
}
