package storage

import "fmt"

// Key schema (§4.6). Every numeric component is zero-padded so lexicographic
// iteration order matches numeric order, letting callers range-scan rounds
// and indices with a plain prefix iterator instead of sorting in memory.

func zp(n int64) string { return fmt.Sprintf("%020d", n) }

func minerBlockCanonicalKey(index int64) []byte {
	return []byte("miner/block/canonical/" + zp(index))
}

func minerBlockByHashKey(hash string) []byte {
	return []byte("miner/block/by_hash/" + hash)
}

func minerCumDiffKey(hash string) []byte {
	return []byte("miner/block/cumdiff/" + hash)
}

var minerTipKey = []byte("miner/tip")

func dagCertKey(round int64, digest string) []byte {
	return []byte("dag/cert/round/" + zp(round) + "/digest/" + digest)
}

func dagCertRoundPrefix(round int64) []byte {
	return []byte("dag/cert/round/" + zp(round) + "/digest/")
}

func dagCertRangePrefix() []byte {
	return []byte("dag/cert/round/")
}

func dagBatchKey(digest string) []byte {
	return []byte("dag/batch/" + digest)
}

func dagCheckpointKey(round int64) []byte {
	return []byte("dag/checkpoint/round/" + zp(round))
}

var dagMetaCurrentKey = []byte("dag/meta/current")

func contractCommitKey(contractID string, seq int64) []byte {
	return []byte("contract/" + contractID + "/commit/seq/" + zp(seq))
}

func contractCommitPrefix(contractID string) []byte {
	return []byte("contract/" + contractID + "/commit/seq/")
}

func contractHeadKey(contractID string) []byte {
	return []byte("contract/" + contractID + "/head")
}

func contractPathKey(contractID, path string) []byte {
	return []byte("contract/" + contractID + "/path/" + path)
}

func contractPathPrefix(contractID string) []byte {
	return []byte("contract/" + contractID + "/path/")
}

func contractSnapshotSeqKey(contractID string) []byte {
	return []byte("contract/" + contractID + "/path/__snapshot_seq__")
}
