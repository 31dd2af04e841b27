/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package datasource

import (
	"github.com/consolidb/consolidb/model/common"
	"github.com/consolidb/consolidb/utils/stringutil"
)

// Datasource is a connection descriptor for one source or target store.
type Datasource struct {
	ID             uint64 `gorm:"primary_key;autoIncrement;comment:id" json:"id"`
	DatasourceName string `gorm:"type:varchar(300);not null;uniqueIndex:uniq_datasource_name;comment:datasource name" json:"datasourceName"`
	DbType         string `gorm:"type:varchar(60);not null;comment:database type" json:"dbType"`
	Host           string `gorm:"type:varchar(300);comment:host" json:"host"`
	Port           uint64 `gorm:"type:int;comment:port" json:"port"`
	Username       string `gorm:"type:varchar(60);comment:username" json:"username"`
	Password       string `gorm:"type:varchar(300);comment:password" json:"password"`
	DbName         string `gorm:"type:varchar(300);comment:database or schema name" json:"dbName"`
	// FilePath is only meaningful for file-backed stores (SQLITE).
	FilePath      string `gorm:"type:varchar(1000);comment:database file path" json:"filePath"`
	ConnectParams string `gorm:"type:varchar(1000);comment:connect params" json:"connectParams"`
	*common.Entity
}

func (d *Datasource) String() string {
	return stringutil.MarshalJSON(d)
}
