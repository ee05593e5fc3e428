package main

type Document struct {
	ID     string `json:"ID" mapstructure:"id"`
	Name   string `json:"name" mapstructure:"name"`
	Author string `json:"author" mapstructure:"author"`
}

type User struct {
	ID       string `json:"id" mapstructure:"id"`
	Name     string `json:"name" mapstructure:"name"`
	Color    string `json:"color" mapstructure:"color"`
	Password string `json:"-" mapstructure:"password"`
}
