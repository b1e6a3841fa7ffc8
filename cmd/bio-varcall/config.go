package main

import (
	"flag"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/spf13/viper"
)

// applyConfig sets every flag of fs which was not given on the command line,
// and which the config file at path names, to the file's value.  The file
// format is inferred from the path's extension.
func applyConfig(fs *flag.FlagSet, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.E(err, "reading config", path)
	}
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || explicit[f.Name] || f.Name == "config" || !v.IsSet(f.Name) {
			return
		}
		if e := fs.Set(f.Name, v.GetString(f.Name)); e != nil {
			err = errors.E(errors.Invalid, e, "config", path, "flag", f.Name)
			return
		}
		log.Debug.Printf("config %s: %s=%s", path, f.Name, f.Value.String())
	})
	return err
}
