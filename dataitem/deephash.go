package dataitem

import (
	"crypto/sha512"
	"strconv"
)

// DeepHash implements the Arweave deep-hash construction over a list of
// byte blobs: each blob is tagged with its length, the list is tagged with
// its element count, and everything is folded through SHA-384.
func DeepHash(chunks [][]byte) [48]byte {
	tag := append([]byte("list"), []byte(strconv.Itoa(len(chunks)))...)
	acc := sha512.Sum384(tag)
	for _, chunk := range chunks {
		blob := deepHashBlob(chunk)
		pair := make([]byte, 0, len(acc)+len(blob))
		pair = append(pair, acc[:]...)
		pair = append(pair, blob[:]...)
		acc = sha512.Sum384(pair)
	}
	return acc
}

func deepHashBlob(data []byte) [48]byte {
	tag := append([]byte("blob"), []byte(strconv.Itoa(len(data)))...)
	tagHash := sha512.Sum384(tag)
	dataHash := sha512.Sum384(data)
	pair := make([]byte, 0, len(tagHash)+len(dataHash))
	pair = append(pair, tagHash[:]...)
	pair = append(pair, dataHash[:]...)
	return sha512.Sum384(pair)
}
