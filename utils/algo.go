package utils

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

// TrimSlice 从一个slice中移除一个元素, 会直接改动原slice数据
func TrimSlice[T any](a []T, deleteIndex int) []T {
	j := 0
	for idx, val := range a {
		if idx != deleteIndex {
			a[j] = val
			j++
		}
	}
	return a[:j]
}

// GetMapSortedKeySlice 返回排好序的 map 的所有键. 用于需要稳定遍历顺序的地方
func GetMapSortedKeySlice[K constraints.Ordered, V any](theMap map[K]V) []K {
	result := make([]K, 0, len(theMap))
	for k := range theMap {
		result = append(result, k)
	}
	// 为何 泛型sort比 interface{} sort 快:
	// https://eli.thegreenplace.net/2022/faster-sorting-with-go-generics/
	slices.Sort(result)
	return result
}
