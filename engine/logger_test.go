package engine

import (
	"reflect"
	"testing"

	"github.com/TorrentDamDev/bittorrent/dht"
)

func Test_filteredLogger_filteredArg(t *testing.T) {
	ihStr := "abcdef1234567890abcdef1234567890abcdef12"
	id, _ := dht.IDFromHex(ihStr)
	type args struct {
		v []interface{}
	}
	tests := []struct {
		name string
		args args
		want []interface{}
	}{
		{"1", args{v: []interface{}{"123"}}, []interface{}{"123"}},
		{"2", args{v: []interface{}{ihStr}}, []interface{}{"[abcdef..]"}},
		{"3", args{v: []interface{}{ihStr, "123"}}, []interface{}{"[abcdef..]", "123"}},
		{"4", args{v: []interface{}{id}}, []interface{}{"[abcdef..]"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := log.filteredArg(tt.args.v...); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("filteredLogger.filteredArg() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_filteredLogger_Println(t *testing.T) {
	type args struct {
		v []interface{}
	}
	tests := []struct {
		name string
		args args
	}{
		{
			"1", args{v: []interface{}{"1", "shoud hide", "abcdef1234567890abcdef1234567890abcdef12"}},
		},
		{

			"2", args{v: []interface{}{"2", "shoud not hide", "1abcdef1234567890abcdef1234567890abcdef12"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log.Println(tt.args.v...)
		})
	}
}
